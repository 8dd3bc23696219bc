package framework

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v9"
	entranslations "gopkg.in/go-playground/validator.v9/translations/en"
	"net/http"
)

// validate holds the settings and caches for validating request payloads.
var validate *validator.Validate

// translator is a cache of locale and translation information.
var translator *ut.UniversalTranslator

func init() {
	validate = validator.New()

	enLocale := en.New()
	translator = ut.New(enLocale, enLocale)

	lang, _ := translator.GetTranslator("en")
	_ = entranslations.RegisterDefaultTranslations(validate, lang)

	// use JSON tag names for errors instead of Go struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode reads the request body looking for a JSON document and decodes it
// into the value provided. The provided value is checked for validation tags
// if it's a struct.
func Decode(c *gin.Context, val any) error {
	decoder := json.NewDecoder(c.Request.Body)

	if err := decoder.Decode(val); err != nil {
		return NewRequestError(errors.Wrap(err, "decoding request body"), http.StatusBadRequest)
	}

	if err := validate.Struct(val); err != nil {
		var vErrors validator.ValidationErrors
		if !errors.As(err, &vErrors) {
			return err
		}

		lang, _ := translator.GetTranslator("en")
		var fieldErrors []FieldError
		for _, vError := range vErrors {
			fieldErrors = append(fieldErrors, FieldError{
				Field: vError.Field(),
				Error: vError.Translate(lang),
			})
		}

		return &SafeError{
			Err:        errors.New("field validation error"),
			StatusCode: http.StatusBadRequest,
			Fields:     fieldErrors,
		}
	}

	return nil
}

// GetParam is a utility to get a path parameter from a request, nil if not found.
func GetParam(c *gin.Context, param string) *string {
	v := c.Param(param)
	if v == "" {
		return nil
	}
	return &v
}

// GetQueryValue is a utility to get a parameter value from the query string, nil if not found.
func GetQueryValue(c *gin.Context, param string) *string {
	v := c.Query(param)
	if v == "" {
		return nil
	}
	return &v
}

// GetAccessToken returns the bearer token from the request's Authorization
// header, empty when the header is absent or malformed.
func GetAccessToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
