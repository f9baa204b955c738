// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// ActionRegisterExchanger is the administrative action type that installs a
// new exchanger at runtime.
const ActionRegisterExchanger = "register_exchanger"

// Exchanger variant names understood by the built-in catalog.
const (
	VariantMarkProcessed = "mark_processed"
	VariantPassthrough   = "passthrough"
)

// Registration is the declarative payload of a register_exchanger action. A
// registration only selects a compiled-in variant by name and configures it;
// executable code never crosses the wire. On the wire it travels as
// zstd-compressed JSON.
type Registration struct {
	// Command is the exchange command the new handler answers to.
	Command string `json:"command"`
	// Variant names a compiled-in exchanger implementation.
	Variant string `json:"variant"`
	// Options configures the variant. Unknown keys are rejected.
	Options map[string]string `json:"options,omitempty"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeRegistration serializes a registration for transmission as the body
// of a register_exchanger action.
func EncodeRegistration(reg Registration) ([]byte, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("encoding registration: %w", err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

// variantCatalog maps variant names to exchanger constructors. The catalog is
// fixed at build time; there is deliberately no way to register executable
// code over the wire.
type variantCatalog struct {
	log      *slog.Logger
	variants map[string]func(reg Registration) (Exchanger, error)
}

func newVariantCatalog(log *slog.Logger) *variantCatalog {
	c := &variantCatalog{log: log}
	c.variants = map[string]func(Registration) (Exchanger, error){
		VariantMarkProcessed: c.buildMarkProcessed,
		VariantPassthrough:   c.buildPassthrough,
	}
	return c
}

// Build decodes a registration payload and constructs the requested
// exchanger. A cancelled dispatch context aborts the registration. Every
// contract violation surfaces as *InvalidPluginError and leaves the caller's
// registry untouched.
func (c *variantCatalog) Build(ctx context.Context, payload []byte) (Exchanger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reg, err := decodeRegistration(payload)
	if err != nil {
		return nil, err
	}
	build, ok := c.variants[reg.Variant]
	if !ok {
		return nil, &InvalidPluginError{
			Reason: fmt.Sprintf("unknown variant %q (available: %v)", reg.Variant, c.names()),
		}
	}
	return build(reg)
}

func (c *variantCatalog) names() []string {
	names := make([]string, 0, len(c.variants))
	for name := range c.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *variantCatalog) buildMarkProcessed(reg Registration) (Exchanger, error) {
	column := DefaultProcessedColumn
	for key, value := range reg.Options {
		switch key {
		case "column":
			if value == "" {
				return nil, &InvalidPluginError{Reason: "option \"column\" must not be empty"}
			}
			column = value
		default:
			return nil, &InvalidPluginError{Reason: fmt.Sprintf("unknown option %q for variant %q", key, reg.Variant)}
		}
	}
	return NewMarkProcessedExchanger(reg.Command, column, c.log), nil
}

func (c *variantCatalog) buildPassthrough(reg Registration) (Exchanger, error) {
	if len(reg.Options) > 0 {
		return nil, &InvalidPluginError{Reason: fmt.Sprintf("variant %q takes no options", reg.Variant)}
	}
	return NewPassthroughExchanger(reg.Command), nil
}

// decodeRegistration decompresses and parses a registration payload.
func decodeRegistration(payload []byte) (Registration, error) {
	if len(payload) == 0 {
		return Registration{}, &InvalidPluginError{Reason: "empty payload"}
	}
	plain, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return Registration{}, &InvalidPluginError{Reason: fmt.Sprintf("payload is not zstd-compressed: %v", err)}
	}
	var reg Registration
	if err := json.Unmarshal(plain, &reg); err != nil {
		return Registration{}, &InvalidPluginError{Reason: fmt.Sprintf("payload is not a registration document: %v", err)}
	}
	if reg.Command == "" {
		return Registration{}, &InvalidPluginError{Reason: "registration declares no command"}
	}
	if reg.Variant == "" {
		return Registration{}, &InvalidPluginError{Reason: "registration declares no variant"}
	}
	return reg, nil
}
