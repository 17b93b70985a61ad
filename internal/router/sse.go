package router

import (
	"bufio"
	"io"
	"strings"
)

// scanSSE walks a text/event-stream body and hands each data payload to
// emit; emit returns false to stop reading. Comment lines and blank
// keep-alives are skipped. The line buffer is generous because a single
// event can carry large content (image blocks).
func scanSSE(body io.Reader, emit func(data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if !emit(data) {
			return nil
		}
	}

	return scanner.Err()
}
