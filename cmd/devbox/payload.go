package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nstogner/devbox/pkg/filetree"
)

// readPayload loads a generated app: {"title", "code", "files"}.
func readPayload(path string) (filetree.Generated, error) {
	var g filetree.Generated
	data, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("reading payload: %w", err)
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("parsing payload %s: %w", path, err)
	}
	return g, nil
}
