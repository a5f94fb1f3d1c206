package relay

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/proctor/core"
)

var (
	roomNameTag  = "roomname"
	roomNameText = "must be an exam., attendance. or user. room"
)

// RegisterValidators registers the relay validation tags on validate.
func RegisterValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(roomNameTag, func(fl validator.FieldLevel) bool {
		return ValidRoom(fl.Field().String())
	})
	core.RegisterCustomTranslation(validate, translator, roomNameTag, roomNameText)
}
