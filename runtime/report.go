package runtime

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// EntryType is the reported value type.
type EntryType string

const (
	EntryLong   EntryType = "long"
	EntryDouble EntryType = "double"
	EntryString EntryType = "string"
)

type infoEntry struct {
	typ         EntryType
	name        string
	value       string
	units       string
	description string
}

// RuntimeInfo collects the runtime-info entries dumped at shutdown
// when NANOS6_REPORT_PREFIX is set.
type RuntimeInfo struct {
	lk      sync.Mutex
	entries []infoEntry
}

func NewRuntimeInfo() *RuntimeInfo {
	return &RuntimeInfo{}
}

func (ri *RuntimeInfo) Add(typ EntryType, name, value, units, description string) {
	ri.lk.Lock()
	ri.entries = append(ri.entries, infoEntry{
		typ:         typ,
		name:        name,
		value:       value,
		units:       units,
		description: description,
	})
	ri.lk.Unlock()
}

// Write emits one tab-separated line per entry, each prefixed when a
// prefix is given.
func (ri *RuntimeInfo) Write(w io.Writer, prefix string) error {
	ri.lk.Lock()
	defer ri.lk.Unlock()

	for _, e := range ri.entries {
		var err error
		if prefix != "" {
			_, err = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				prefix, e.typ, e.name, e.value, e.units, e.description)
		} else {
			_, err = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.typ, e.name, e.value, e.units, e.description)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Report writes the entries to stdout if NANOS6_REPORT_PREFIX is set
// in the environment, including when set to the empty string.
func (ri *RuntimeInfo) Report() error {
	prefix, found := os.LookupEnv("NANOS6_REPORT_PREFIX")
	if !found {
		return nil
	}
	return ri.Write(os.Stdout, prefix)
}
