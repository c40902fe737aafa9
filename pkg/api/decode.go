package api

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeEnsemble builds an Ensemble from a loosely-typed map, as produced by
// an upstream YAML/JSON loader. Schema validation happens upstream; this
// only decodes the structure and runs Validate.
//
// Keys use snake_case ("depends_on", "max_concurrency"), matching the
// declarative flow format.
func DecodeEnsemble(raw map[string]any) (*Ensemble, error) {
	var ens Ensemble
	if err := decode(raw, &ens); err != nil {
		return nil, fmt.Errorf("decode ensemble: %w", err)
	}
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	return &ens, nil
}

// DecodeStep builds a single Step from a loosely-typed map.
func DecodeStep(raw map[string]any) (*Step, error) {
	var s Step
	if err := decode(raw, &s); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		// Accept snake_case keys against the Go field names.
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), fieldName)
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
