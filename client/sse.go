package client

import (
	"bufio"
	"io"
	"strings"

	"boardsync/domain"
)

// readEvents parses a server-sent event stream, calling handle for every
// complete event. Comment lines are keepalives and are skipped.
func readEvents(r io.Reader, handle func(domain.Event)) error {
	reader := bufio.NewReader(r)
	var name string
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" && data.Len() > 0 {
				handle(domain.Event{Name: name, Data: []byte(data.String())})
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
