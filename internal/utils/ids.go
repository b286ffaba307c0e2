package utils

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nanoIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNanoIDWithPrefix returns "<prefix>_<id>" where id has the given length.
func GenerateNanoIDWithPrefix(prefix string, size int) string {
	id, err := gonanoid.Generate(nanoIDAlphabet, size)
	if err != nil {
		panic(err)
	}
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func Now() time.Time {
	return time.Now().UTC()
}
