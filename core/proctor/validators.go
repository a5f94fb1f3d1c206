package proctor

import (
	"encoding/base64"
	"net/http"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
)

// MaxSnapshotSize bounds decoded webcam snapshots.
const MaxSnapshotSize = 5 << 20

var (
	signalKindTag  = "signalkind"
	signalKindText = "unknown violation type"

	base64ImageTag  = "base64image"
	base64ImageText = "must be a base64 encoded image"

	errNotImage      = errors.New("data is not an image")
	errImageTooLarge = errors.New("image is too large")
)

// RegisterValidators registers the proctoring validation tags on validate.
func RegisterValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(signalKindTag, signalKindValidation)
	core.RegisterCustomTranslation(validate, translator, signalKindTag, signalKindText)

	_ = validate.RegisterValidation(base64ImageTag, base64ImageValidation)
	core.RegisterCustomTranslation(validate, translator, base64ImageTag, base64ImageText)
}

// DecodeImage decodes a base64 image, optionally wrapped in a data URL, and sniffs its content type.
func DecodeImage(photo string) ([]byte, string, error) {
	photo = strings.TrimSpace(photo)
	if strings.HasPrefix(photo, "data:") {
		if idx := strings.Index(photo, ","); idx >= 0 {
			photo = photo[idx+1:]
		}
	}
	if base64.StdEncoding.DecodedLen(len(photo)) > MaxSnapshotSize {
		return nil, "", errImageTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(photo)
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding base64")
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", errNotImage
	}
	return data, contentType, nil
}

// Custom Validators

func signalKindValidation(fl validator.FieldLevel) bool {
	return SignalKind(fl.Field().String()).Valid()
}

func base64ImageValidation(fl validator.FieldLevel) bool {
	_, _, err := DecodeImage(fl.Field().String())
	return err == nil
}
