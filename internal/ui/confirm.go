package ui

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
)

// ErrNoTerminal is returned by Confirm when stdin cannot prompt.
var ErrNoTerminal = errors.New("cannot prompt without a terminal (use --yes)")

// Confirm asks a yes/no question. It returns ErrNoTerminal when stdin is not
// a terminal so scripts fail instead of hanging.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, ErrNoTerminal
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
