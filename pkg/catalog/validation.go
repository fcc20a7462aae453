package catalog

import "strings"

// forbiddenNameChars are rejected anywhere in a folder or binding name.
const forbiddenNameChars = `\/<>:"|?*`

// ValidateName checks a display name for folders and bindings. Empty
// names, ".", "..", and names containing filesystem-hostile characters are
// rejected so the namespace stays portable across platforms.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, forbiddenNameChars) {
		return ErrInvalidName
	}
	return nil
}
