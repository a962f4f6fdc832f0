// Package dotenv loads a .env file into the process environment on import.
package dotenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func init() {
	path := os.Getenv("APP_DOTENV")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
	}
}
