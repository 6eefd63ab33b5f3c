package prompt

import "github.com/manifoldco/promptui"

// Password prompts for a masked secret. Empty input is allowed: an empty
// upstream password means no RDP AUTH is sent.
func Password(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}
