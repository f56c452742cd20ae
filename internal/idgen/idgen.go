// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the kinds of records the gateway creates.
const (
	TaskPrefix      = "task-"
	ViolationPrefix = "vio-"
	ClientPrefix    = "cli-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// Task returns a new task ID.
func Task() (string, error) {
	return GenerateWithPrefix(TaskPrefix)
}

// Violation returns a new violation ID.
func Violation() (string, error) {
	return GenerateWithPrefix(ViolationPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
