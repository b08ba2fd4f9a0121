package protocol

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	// custom validation tags
	notBlankTag = "notblank"
	targetTag   = "one_target"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON names instead of Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, notBlankValidation)
	validate.RegisterStructValidation(targetStructValidation, Target{})

	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{notBlankTag, targetTag} {
		_ = validate.RegisterTranslation(tag, translator, registerFn, translateCustom)
	}
}

// ValidationError reports the invalid fields of a client message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+": "+v)
	}
	return "protocol: invalid message: " + strings.Join(parts, "; ")
}

func validateMessage(msg interface{}) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &ValidationError{Fields: fields}
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return "this field cannot be blank"
	case targetTag:
		return "exactly one of recipient_id or group_id is required"
	default:
		return ""
	}
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}

// targetStructValidation requires exactly one of RecipientID and GroupID.
func targetStructValidation(sl validator.StructLevel) {
	t, ok := sl.Current().Interface().(Target)
	if !ok {
		return
	}
	hasRecipient := t.RecipientID != uuid.Nil
	hasGroup := t.GroupID != uuid.Nil
	if hasRecipient == hasGroup {
		sl.ReportError(t.RecipientID, "recipient_id", "RecipientID", targetTag, "")
	}
}
