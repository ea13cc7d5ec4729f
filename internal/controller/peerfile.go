package controller

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

// loadPeerFile reads the initial peer list: a JSON array of "host:port"
// strings. Malformed JSON or any malformed address aborts startup.
func loadPeerFile(path string) ([]netip.AddrPort, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("controller: read peer file: %w", err)
	}

	var raw []string
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("controller: peer file is not a JSON array of strings: %w", err)
	}

	addrs := make([]netip.AddrPort, 0, len(raw))
	for _, s := range raw {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("controller: peer file address %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// resolvePeerFilePath anchors a relative peer file path at the directory
// holding the executable; absolute paths pass through.
func resolvePeerFilePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
