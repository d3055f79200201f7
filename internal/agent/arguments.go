package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// prepareArguments fills declared defaults, gives required parameters without
// a default a typed zero value, coerces numbers sent for string parameters and
// validates the result against the tool schema.
func prepareArguments(fd *FunctionDeclaration, raw map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(raw)+len(fd.Parameters))
	for k, v := range raw {
		args[k] = v
	}

	for _, p := range fd.Parameters {
		v, ok := args[p.Name]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				args[p.Name] = p.Default
			case p.Required:
				args[p.Name] = placeholder(p.Type)
			default:
				delete(args, p.Name)
			}
			continue
		}
		if p.Type == TypeString {
			args[p.Name] = coerceString(v)
		}
	}

	doc, err := toJSONValue(args)
	if err != nil {
		return nil, err
	}
	if err := fd.compiled.Validate(doc); err != nil {
		return nil, errors.New(validationReason(err))
	}

	prepared, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be an object")
	}
	return prepared, nil
}

func placeholder(typ string) any {
	switch typ {
	case TypeNumber, TypeInteger:
		return 0
	case TypeBoolean:
		return false
	default:
		return ""
	}
}

func coerceString(v any) any {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		return strconv.Itoa(n)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case json.Number:
		return n.String()
	default:
		return v
	}
}

// toJSONValue converts args to the generic shapes produced by encoding/json,
// which is what the schema validator accepts.
func toJSONValue(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return doc, nil
}

func validationReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var reasons []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			reason := e.Message
			if e.InstanceLocation != "" {
				reason = strings.TrimPrefix(e.InstanceLocation, "/") + ": " + reason
			}
			reasons = append(reasons, reason)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(reasons, "; ")
}
