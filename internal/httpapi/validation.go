package httpapi

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const referenceTag = "reference"

var (
	referencePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:_-]{0,63}$`)
	registerValidator sync.Once
	registerErr       error
)

// registerValidators installs the custom binding rules on gin's validator engine.
func registerValidators() error {
	registerValidator.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
			return
		}
		registerErr = engine.RegisterValidation(referenceTag, validateReference)
	})
	return registerErr
}

func validateReference(field validator.FieldLevel) bool {
	return referencePattern.MatchString(field.Field().String())
}
