// Package prompt wraps promptui with the handful of interactive prompts
// the vault CLI needs: confirmations for destructive commands and the
// credential inputs used by login.
package prompt

import (
	"errors"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// IsAborted reports whether the error means the user backed out rather
// than something failing.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

// wrapError normalizes promptui's interrupt and abort sentinels to
// ErrAborted.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// Confirm asks a yes/no question. Empty input takes the default.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	p := promptui.Prompt{
		Label:     label + " [" + hint + "]",
		IsConfirm: true,
	}

	result, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return false, ErrAborted
		}
		// promptui reports a plain "n" as ErrAbort.
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		if result == "" {
			return defaultYes, nil
		}
		return false, err
	}

	result = strings.ToLower(result)
	return result == "y" || result == "yes", nil
}

// ConfirmWithForce skips the prompt entirely when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}

// Input prompts for text with a prefilled default.
func Input(label, defaultValue string) (string, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: defaultValue,
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// InputRequired prompts for text and rejects empty input.
func InputRequired(label string) (string, error) {
	return InputWithValidation(label, func(input string) error {
		if strings.TrimSpace(input) == "" {
			return errors.New("value is required")
		}
		return nil
	})
}

// InputWithValidation prompts for text and re-prompts until validate
// accepts it.
func InputWithValidation(label string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label:    label,
		Validate: validate,
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// InputOptional prompts for text that may be left empty.
func InputOptional(label string) (string, error) {
	p := promptui.Prompt{
		Label: label + " (optional)",
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// Password prompts for a masked secret.
func Password(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}
	result, err := p.Run()
	return result, wrapError(err)
}
