package sse

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// Read parses an event stream. Comment lines and fields other than event
// and data are ignored; events without a name are reported as "message".
func Read(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

		var (
			name    string
			data    []string
			hasData bool
		)
		dispatch := func() bool {
			defer func() { name, data, hasData = "", nil, false }()
			if !hasData {
				return true
			}
			if name == "" {
				name = "message"
			}
			return yield(Event{Name: name, Data: strings.Join(data, "\n")}, nil)
		}

		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				if !dispatch() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
				hasData = true
			}
		}
		if err := sc.Err(); err != nil {
			yield(Event{}, err)
		}
	}
}

// Collect reads one stage channel to its terminal event. It returns the
// concatenated chunks, whether a terminal event arrived and, for an error
// event, its message.
func Collect(r io.Reader) (text string, terminated bool, failure string, err error) {
	var sb strings.Builder
	for ev, err := range Read(r) {
		if err != nil {
			return sb.String(), false, "", err
		}
		switch ev.Name {
		case EventChunk:
			sb.WriteString(ev.Data)
		case EventDone:
			return sb.String(), true, "", nil
		case EventError:
			return sb.String(), true, ev.Data, nil
		}
	}
	return sb.String(), false, "", nil
}
