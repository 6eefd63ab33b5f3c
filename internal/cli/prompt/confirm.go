package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// Confirm prompts for a yes/no answer. Returns the user's choice, with
// defaultYes used when they just press Enter.
func Confirm(label string, defaultYes bool) (bool, error) {
	def := "n"
	if defaultYes {
		def = "y"
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Default:   def,
	}

	_, err := prompt.Run()
	if err != nil {
		// promptui signals "no" via ErrAbort
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, wrapError(err)
	}
	return true, nil
}
