// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokensession.
//
// go-tokensession is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package tokenerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("CKR_PIN_INCORRECT")
	err := fmt.Errorf("open session: %w", New(PinRejected, "discover", "wrong pin", cause))

	assert.True(t, errors.Is(err, ErrPinRejected))
	assert.False(t, errors.Is(err, ErrUserCancelled))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, PinRejected, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := New(SigningFailed, "sign", "mechanism invalid", nil)
	assert.Equal(t, "sign: signing_failed: mechanism invalid", err.Error())
}

func TestKindNames(t *testing.T) {
	for _, k := range Kinds() {
		if k.String() == "" || k.String() == fmt.Sprintf("kind(%d)", int(k)) {
			t.Errorf("kind %d has no name", int(k))
		}
	}
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestMessageLocalization(t *testing.T) {
	en := Message(NoUsableToken, language.English)
	es := Message(NoUsableToken, language.Spanish)
	assert.Contains(t, en, "plugged in")
	assert.Contains(t, es, "conectado")

	// Regional variants resolve to their base language.
	assert.Equal(t, es, Message(NoUsableToken, language.MustParse("es-MX")))

	// Unsupported languages fall back to English.
	assert.Equal(t, en, Message(NoUsableToken, language.Japanese))
}

func TestMatchAcceptLanguage(t *testing.T) {
	assert.Equal(t, language.Spanish, MatchAcceptLanguage("es-AR,es;q=0.9,en;q=0.5"))
	assert.Equal(t, language.English, MatchAcceptLanguage(""))
	assert.Equal(t, language.English, MatchAcceptLanguage("!!!"))
}

func TestUserMessageCarriesDetail(t *testing.T) {
	err := New(PinRejected, "discover", "2 attempts left", nil)
	assert.Contains(t, UserMessage(err, language.English), "2 attempts left")

	cancelled := New(UserCancelled, "discover", "internal detail", nil)
	assert.NotContains(t, UserMessage(cancelled, language.English), "internal detail")

	assert.Equal(t, Message(Unknown, language.English), UserMessage(errors.New("x"), language.English))
}

func TestLanguageContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, language.English, LanguageFrom(ctx))
	assert.Equal(t, language.Spanish, LanguageFrom(WithLanguage(ctx, language.Spanish)))
}

func TestSignedMessage(t *testing.T) {
	assert.Equal(t, "The document was signed.", SignedMessage(language.English))
	assert.Equal(t, "El documento fue firmado.", SignedMessage(language.MustParse("es-419")))
}
