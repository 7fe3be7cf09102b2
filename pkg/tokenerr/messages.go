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

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// The English text doubles as the catalog key.
var messageKeys = map[Kind]string{
	Unknown:                "An unexpected error occurred.",
	ProviderUnavailable:    "The token driver is not available on this machine.",
	NoUsableToken:          "No usable signing token was found. Check that the token is plugged in and its driver is installed.",
	CertificateNotYetValid: "The signing certificate is not yet valid.",
	CertificateExpired:     "The signing certificate has expired.",
	PinRejected:            "The token rejected the PIN.",
	UserCancelled:          "The operation was cancelled.",
	SessionExpired:         "The signing session expired, please retry.",
	DeviceUnresponsive:     "The token did not respond in time.",
	DeviceRemoved:          "The token was removed during the operation.",
	SigningFailed:          "The signature could not be created.",
}

var spanish = map[Kind]string{
	Unknown:                "Se produjo un error inesperado.",
	ProviderUnavailable:    "El controlador del token no está disponible en este equipo.",
	NoUsableToken:          "No se encontró un token de firma utilizable. Verifique que el token esté conectado y que su controlador esté instalado.",
	CertificateNotYetValid: "El certificado de firma aún no es válido.",
	CertificateExpired:     "El certificado de firma ha expirado.",
	PinRejected:            "El token rechazó el PIN.",
	UserCancelled:          "La operación fue cancelada.",
	SessionExpired:         "La sesión de firma expiró, intente nuevamente.",
	DeviceUnresponsive:     "El token no respondió a tiempo.",
	DeviceRemoved:          "El token fue retirado durante la operación.",
	SigningFailed:          "No se pudo crear la firma.",
}

const signedKey = "The document was signed."

var (
	supported = []language.Tag{language.English, language.Spanish}
	matcher   = language.NewMatcher(supported)
	messages  = catalog.NewBuilder(catalog.Fallback(language.English))
)

func init() {
	for kind, key := range messageKeys {
		_ = messages.SetString(language.English, key, key)
		if es, ok := spanish[kind]; ok {
			_ = messages.SetString(language.Spanish, key, es)
		}
	}
	_ = messages.SetString(language.English, signedKey, signedKey)
	_ = messages.SetString(language.Spanish, signedKey, "El documento fue firmado.")
}

// Match picks the closest supported language for the given preferences.
func Match(prefs ...language.Tag) language.Tag {
	_, idx, _ := matcher.Match(prefs...)
	return supported[idx]
}

// MatchAcceptLanguage parses an Accept-Language header value and returns
// the closest supported language. Malformed input yields English.
func MatchAcceptLanguage(header string) language.Tag {
	prefs, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(prefs) == 0 {
		return language.English
	}
	return Match(prefs...)
}

// Message returns the localized end-user message for kind.
func Message(kind Kind, tag language.Tag) string {
	key, ok := messageKeys[kind]
	if !ok {
		key = messageKeys[Unknown]
	}
	p := message.NewPrinter(Match(tag), message.Catalog(messages))
	return p.Sprintf(key)
}

// SignedMessage returns the localized confirmation for a successful
// signature.
func SignedMessage(tag language.Tag) string {
	return message.NewPrinter(Match(tag), message.Catalog(messages)).Sprintf(signedKey)
}

// UserMessage returns the localized message for err. PinRejected and
// SigningFailed carry the driver detail so the user sees what the token
// reported.
func UserMessage(err error, tag language.Tag) string {
	var e *Error
	if !errors.As(err, &e) {
		return Message(Unknown, tag)
	}
	msg := Message(e.Kind, tag)
	if e.Detail != "" && (e.Kind == PinRejected || e.Kind == SigningFailed) {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

type languageKey struct{}

// WithLanguage returns a context carrying the language used for
// user-facing messages.
func WithLanguage(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, languageKey{}, tag)
}

// LanguageFrom returns the language stored by WithLanguage, or English.
func LanguageFrom(ctx context.Context) language.Tag {
	if tag, ok := ctx.Value(languageKey{}).(language.Tag); ok {
		return tag
	}
	return language.English
}
