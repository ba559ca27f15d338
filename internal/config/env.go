package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadEnv loads KEY=VALUE pairs from a dotenv file into the process
// environment. A missing file is not an error, so a bare deployment without
// one starts fine. Variables already present in the environment win over the
// file.
func LoadEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return sc.Err()
}

// parseEnvLine splits one dotenv line into a key/value pair. Blank lines,
// comments and lines without '=' report ok=false. Matching single or double
// quotes around the value are stripped.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		first, last := val[0], val[len(val)-1]
		if first == last && (first == '"' || first == '\'') {
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}
