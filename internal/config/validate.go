package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg Config) error {
	var problems []string
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	seen := make(map[string]string)
	for _, p := range cfg.PersonNames {
		for _, d := range p.Devices {
			d = strings.ToLower(d)
			if owner, ok := seen[d]; ok && owner != p.Name {
				problems = append(problems, fmt.Sprintf("device %s assigned to both %s and %s", d, owner, p.Name))
			}
			seen[d] = p.Name
		}
	}
	if cfg.OSMAPIKey != NotUsed && !strings.Contains(cfg.OSMAPIKey, "@") {
		problems = append(problems, "osm_api_key must be an e-mail address")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %v)", fe.Namespace(), fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Namespace(), fe.Param())
	case "latitude", "longitude":
		return fmt.Sprintf("%s must be a valid %s", fe.Namespace(), fe.Tag())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
