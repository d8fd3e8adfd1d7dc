package dispatch

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
)

//go:embed help.txt
var defaultHelp string

// HelpFile holds help entries. The file format separates entries with
// lines of the form "& topic"; consecutive topic lines alias one entry.
type HelpFile struct {
	Entries map[string]string // lowercase topic -> text
}

// ParseHelp reads a help file.
func ParseHelp(r io.Reader) (*HelpFile, error) {
	hf := &HelpFile{Entries: make(map[string]string)}
	scanner := bufio.NewScanner(r)

	var topics []string
	var buf strings.Builder
	save := func() {
		text := strings.TrimRight(buf.String(), "\n ")
		for _, t := range topics {
			hf.Entries[strings.ToLower(t)] = text
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "& ") {
			topic := strings.TrimSpace(line[2:])
			if buf.Len() == 0 && len(topics) > 0 {
				topics = append(topics, topic)
				continue
			}
			save()
			topics = []string{topic}
			buf.Reset()
			continue
		}
		if len(topics) > 0 {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	save()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: parse help: %w", err)
	}
	return hf, nil
}

// LoadHelpFile reads a help file from disk.
func LoadHelpFile(path string) (*HelpFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hf, err := ParseHelp(f)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded help file %s: %d entries", path, len(hf.Entries))
	return hf, nil
}

// DefaultHelp returns the built-in help entries.
func DefaultHelp() *HelpFile {
	hf, err := ParseHelp(strings.NewReader(defaultHelp))
	if err != nil {
		panic(err)
	}
	return hf
}

// Lookup finds an entry by exact topic, then by the shortest topic that
// starts with the query.
func (hf *HelpFile) Lookup(topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		topic = "help"
	}
	if text, ok := hf.Entries[topic]; ok {
		return text
	}
	var best string
	for key := range hf.Entries {
		if strings.HasPrefix(key, topic) && (best == "" || len(key) < len(best) || len(key) == len(best) && key < best) {
			best = key
		}
	}
	if best != "" {
		return hf.Entries[best]
	}
	return ""
}

func (d *Dispatcher) helpText(topic string) string {
	text := d.env.Help.Lookup(topic)
	if text == "" {
		if _, ok := d.registry.Lookup(strings.ToLower(strings.TrimSpace(topic))); ok {
			return fmt.Sprintf("%s: no further help is available.", topic)
		}
		return fmt.Sprintf("No entry for '%s'.", strings.TrimSpace(topic))
	}
	if strings.EqualFold(strings.TrimSpace(topic), "commands") {
		names := d.registry.Names()
		sort.Strings(names)
		if len(names) > 0 {
			text += "\n\nAlso available: " + strings.Join(names, " ")
		}
	}
	return text
}
