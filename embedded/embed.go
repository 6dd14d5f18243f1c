package embedded

import (
	_ "embed"
)

//go:embed board.yaml
var board []byte

// Board returns the embedded default board profile (YAML).
func Board() []byte {
	return board
}
