package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/glimte/mmate-relay/contracts"
)

func printMessage(w io.Writer, msg *contracts.BinaryMessage) {
	fmt.Fprintf(w, "%s (%d bytes)\n", msg.Type, len(msg.Bytes))

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, msg.Headers[k])
	}

	if len(msg.Bytes) > 0 {
		if utf8.Valid(msg.Bytes) {
			fmt.Fprintf(w, "  %s\n", msg.Bytes)
		} else {
			fmt.Fprintf(w, "  %x\n", msg.Bytes)
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))
}
