package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"cronsched/internal/identity"
	"cronsched/internal/trigger"
)

var ErrInvalid = errors.New("invalid config")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report fields by their config key.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
			return trigger.Validate(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate checks cfg after defaults have been applied. Every problem found is reported.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	var errs *multierror.Error

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(ErrInvalid, err.Error())
		}
		for _, fe := range verrs {
			errs = multierror.Append(errs, fieldError(fe))
		}
	}

	users := map[string]IdentityConfig{}
	for _, ic := range cfg.Identities {
		name := strings.TrimSpace(ic.Name)
		if _, dup := users[name]; dup && name != "" {
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "identities: duplicate name %q", name))
		}
		users[name] = ic
	}

	if admin := strings.TrimSpace(cfg.Scheduler.AdminUser); admin != "" {
		ic, ok := users[admin]
		switch {
		case !ok:
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "scheduler.admin_user: %q is not a configured identity", admin))
		case !hasAdminRole(ic):
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "scheduler.admin_user: %q lacks role %q", admin, identity.RoleSchedulerAdmin))
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if (driver == "file" || driver == "sqlite") && strings.TrimSpace(s.Path) == "" {
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "storage.path: required for driver %q", driver))
		}
	}

	seen := map[string]int{}
	for i, js := range cfg.Jobs {
		id := JobID(js)
		if prev, dup := seen[id]; dup && id != "" {
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "jobs[%d]: id %q already used by jobs[%d]", i, id, prev))
		}
		seen[id] = i
		if u := strings.TrimSpace(js.Context.User); u != "" {
			if _, ok := users[u]; !ok {
				errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "jobs[%d].context.user: %q is not a configured identity", i, u))
			}
		}
	}
	return errs.ErrorOrNil()
}

// ValidateHandlers reports configured jobs whose handler is not in known.
func ValidateHandlers(cfg *Config, known []string) error {
	set := make(map[string]struct{}, len(known))
	for _, k := range known {
		set[k] = struct{}{}
	}
	var errs *multierror.Error
	for i, js := range cfg.Jobs {
		h := strings.TrimSpace(js.Handler)
		if _, ok := set[h]; !ok && h != "" {
			errs = multierror.Append(errs, errors.Wrapf(ErrInvalid, "jobs[%d].handler: unknown handler %q", i, h))
		}
	}
	return errs.ErrorOrNil()
}

func hasAdminRole(ic IdentityConfig) bool {
	return identity.Identity{Roles: ic.ToUser().Roles}.HasRole(identity.RoleSchedulerAdmin)
}

func fieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "cron":
		if err := trigger.Validate(fmt.Sprint(fe.Value())); err != nil {
			return errors.Wrapf(ErrInvalid, "%s: %v", path, err)
		}
	case "required", "required_if":
		return errors.Wrapf(ErrInvalid, "%s: required", path)
	case "duration":
		return errors.Wrapf(ErrInvalid, "%s: invalid duration %q", path, fe.Value())
	case "timezone":
		return errors.Wrapf(ErrInvalid, "%s: unknown timezone %q", path, fe.Value())
	}
	if fe.Param() != "" {
		return errors.Wrapf(ErrInvalid, "%s: %v fails %s=%s", path, fe.Value(), fe.Tag(), fe.Param())
	}
	return errors.Wrapf(ErrInvalid, "%s: %v fails %s", path, fe.Value(), fe.Tag())
}
