package i18n

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryMessageTranslated(t *testing.T) {
	for _, tc := range []struct {
		lang Language
		msgs Messages
	}{{LangEN, messagesEN}, {LangZH, messagesZH}} {
		t.Run(string(tc.lang), func(t *testing.T) {
			v := reflect.ValueOf(tc.msgs)
			for i := 0; i < v.NumField(); i++ {
				assert.NotEmpty(t, v.Field(i).String(), v.Type().Field(i).Name)
			}
		})
	}
}

func TestSetLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangZH)
	assert.Equal(t, LangZH, GetLanguage())
	assert.Equal(t, messagesZH.Starting, Get("Starting"))

	SetLanguage("fr")
	assert.Equal(t, LangEN, GetLanguage())
	assert.Equal(t, "NoSuchKey", Get("NoSuchKey"))
}
