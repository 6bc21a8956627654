// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxComponentNameLen matches the jobs-api naming constraint.
const maxComponentNameLen = 53

var componentNameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

var fieldValidator = validator.New()

// Validate runs the semantic validation rules over a decoded config and
// returns every violation as a human-readable message. An empty slice means
// the config is accepted.
func (s *ToolConfigSpec) Validate() []string {
	var errs []string

	if s.ConfigVersion != ConfigVersionV1Beta1 {
		errs = append(errs, fmt.Sprintf(
			"unsupported config_version %q, expected %q", s.ConfigVersion, ConfigVersionV1Beta1))
	}

	if s.Components.Len() == 0 {
		errs = append(errs, "components must not be empty")
		return errs
	}

	var badReferences []string
	for _, name := range s.Components.Names() {
		component, _ := s.Components.Get(name)

		if !componentNameRe.MatchString(name) || len(name) > maxComponentNameLen {
			errs = append(errs, fmt.Sprintf(
				"invalid component name %q: must be a DNS label of at most %d characters",
				name, maxComponentNameLen))
		}

		errs = append(errs, validateComponent(name, component)...)

		if ref, ok := component.Build.(*SourceBuildReference); ok {
			target, found := s.Components.Get(ref.ReuseFrom)
			if !found {
				badReferences = append(badReferences, name)
				continue
			}
			if _, isSource := target.Build.(*SourceBuildInfo); !isSource {
				badReferences = append(badReferences, name)
			}
		}
	}

	if len(badReferences) > 0 {
		errs = append(errs, fmt.Sprintf(
			"invalid reuse_from in components: %s (the referenced component must exist and declare a source build)",
			strings.Join(badReferences, ", ")))
	}

	return errs
}

func validateComponent(name string, c ComponentInfo) []string {
	var errs []string

	switch c.ComponentType {
	case ComponentTypeContinuous, ComponentTypeScheduled:
	default:
		errs = append(errs, fmt.Sprintf("component %q: unknown component type %q", name, c.ComponentType))
		return errs
	}

	if c.Build == nil {
		errs = append(errs, fmt.Sprintf("component %q: build is required", name))
	} else if err := fieldValidator.Struct(c.Build); err != nil {
		errs = append(errs, formatFieldErrors(name, "build", err)...)
	}

	if c.Run == nil {
		errs = append(errs, fmt.Sprintf("component %q: run is required", name))
		return errs
	}

	if err := fieldValidator.Struct(c.Run); err != nil {
		errs = append(errs, formatFieldErrors(name, "run", err)...)
	}

	if run, ok := c.Run.(*ContinuousRunSpec); ok {
		if run.HealthCheckHTTP != "" && run.HealthCheckScript != "" {
			errs = append(errs, fmt.Sprintf(
				"component %q: only one of health_check_http and health_check_script may be set", name))
		}
	}

	return errs
}

func formatFieldErrors(component, section string, err error) []string {
	var fieldErrs validator.ValidationErrors
	ok := false
	if fieldErrs, ok = err.(validator.ValidationErrors); !ok {
		return []string{fmt.Sprintf("component %q: invalid %s: %s", component, section, err)}
	}

	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf(
			"component %q: %s.%s does not satisfy %q",
			component, section, jsonFieldName(fe), fe.Tag()))
	}
	return out
}

// jsonFieldName maps a validator field error back to the wire field name.
func jsonFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) < 2 {
		return strings.ToLower(fe.Field())
	}
	structName := parts[len(parts)-2]
	fieldName := parts[len(parts)-1]

	var t reflect.Type
	switch structName {
	case "SourceBuildInfo":
		t = reflect.TypeOf(SourceBuildInfo{})
	case "SourceBuildReference":
		t = reflect.TypeOf(SourceBuildReference{})
	case "ContinuousRunSpec":
		t = reflect.TypeOf(ContinuousRunSpec{})
	case "ScheduledRunSpec":
		t = reflect.TypeOf(ScheduledRunSpec{})
	default:
		return strings.ToLower(fieldName)
	}
	if f, ok := t.FieldByName(fieldName); ok {
		if tag := strings.Split(f.Tag.Get("json"), ",")[0]; tag != "" {
			return tag
		}
	}
	return strings.ToLower(fieldName)
}

// UnknownConfigFields scans a raw config document for fields the schema does
// not recognize and returns their dotted paths (for example
// "components.c1.extra_field"). Unknown fields are surfaced as warnings, not
// errors.
func UnknownConfigFields(raw []byte) ([]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	var unknown []string
	topLevel := knownJSONKeys(reflect.TypeOf(ToolConfigSpec{}))
	for key, value := range doc {
		if !topLevel[key] {
			unknown = append(unknown, "toplevel."+key)
			continue
		}
		if key != "components" {
			continue
		}
		components, ok := value.(map[string]any)
		if !ok {
			continue
		}
		for name, rawComponent := range components {
			component, ok := rawComponent.(map[string]any)
			if !ok {
				continue
			}
			unknown = append(unknown, unknownComponentFields(name, component)...)
		}
	}

	sort.Strings(unknown)
	return unknown, nil
}

func unknownComponentFields(name string, component map[string]any) []string {
	var unknown []string
	prefix := "components." + name

	componentType, _ := component["component_type"].(string)
	for key, value := range component {
		switch key {
		case "component_type":
		case "build":
			build, ok := value.(map[string]any)
			if !ok {
				continue
			}
			keys := knownJSONKeys(reflect.TypeOf(SourceBuildInfo{}))
			if _, isRef := build["reuse_from"]; isRef {
				keys = knownJSONKeys(reflect.TypeOf(SourceBuildReference{}))
			}
			for buildKey := range build {
				if !keys[buildKey] {
					unknown = append(unknown, prefix+".build."+buildKey)
				}
			}
		case "run":
			run, ok := value.(map[string]any)
			if !ok {
				continue
			}
			var keys map[string]bool
			switch ComponentType(componentType) {
			case ComponentTypeScheduled:
				keys = knownJSONKeys(reflect.TypeOf(ScheduledRunSpec{}))
			default:
				keys = knownJSONKeys(reflect.TypeOf(ContinuousRunSpec{}))
			}
			for runKey := range run {
				if !keys[runKey] {
					unknown = append(unknown, prefix+".run."+runKey)
				}
			}
		default:
			unknown = append(unknown, prefix+"."+key)
		}
	}
	return unknown
}

// knownJSONKeys collects the wire names of a struct's fields.
func knownJSONKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag != "" && tag != "-" {
			keys[tag] = true
		}
	}
	return keys
}
