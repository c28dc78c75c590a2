/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/santabox/exchange"
)

func setupLogging(cfg *Config) {
	level := zerolog.WarnLevel
	if cfg.verbose {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: logDate}).
		With().
		Timestamp().
		Logger()
}

// clientError turns err into the code and text sent to the offending
// client. Errors outside the exchange taxonomy are logged and hidden.
func clientError(err error) ErrorMessage {
	var e *exchange.Error
	if errors.As(err, &e) && e.Kind != exchange.KindPersistence {
		return ErrorMessage{Type: "error", Code: string(e.Code), Message: e.Message}
	}

	log.Error().Err(err).Msg("request failed")
	return ErrorMessage{Type: "error", Code: "INTERNAL", Message: "Something went wrong. Please try again."}
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon(""))
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
