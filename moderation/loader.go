package moderation

import (
	"bufio"
	"bytes"
	"embed"
	"io/fs"
	"negotiation-lab/errors"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

//go:embed censored/*.txt
var censoredFolder embed.FS

// Dictionary is the union of every censored list, one file per language.
type Dictionary struct {
	Words     []string
	Languages []string
}

// LoadDictionary reads the embedded lists.
func LoadDictionary() (*Dictionary, error) {
	return LoadDictionaryFrom(censoredFolder, "censored")
}

// LoadDictionaryFrom reads every "<lang>.txt" file of dir, one term per line.
// Blank lines and lines starting with '#' are skipped.
func LoadDictionaryFrom(fsys fs.FS, dir string) (*Dictionary, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	unique := make(map[string]struct{})
	var languages []string
	for _, entry := range entries {
		if entry.IsDir() {
			return nil, errors.ErrOnlyCensoredFiles
		}
		if !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		languages = append(languages, strings.TrimSuffix(entry.Name(), ".txt"))

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		// bufio handles \r\n endings
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			unique[line] = struct{}{}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	if len(unique) == 0 {
		return nil, errors.ErrEmptyWords
	}
	words := lo.Keys(unique)
	sort.Strings(words)
	sort.Strings(languages)
	return &Dictionary{Words: words, Languages: languages}, nil
}
