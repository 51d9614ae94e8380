package meet

import (
	"github.com/jaevor/go-nanoid"
)

// GenerateID generates a random string with the given length.
func GenerateID(length int) string {
	generator, err := nanoid.Standard(length)
	if err != nil {
		panic(err)
	}

	return generator()
}
