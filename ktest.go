package kestrel

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// NewFileTestHandler returns a TestHandler that writes each test case to dir
// as test000001.ktest, test000002.ktest, and so on. Errored cases get a
// sibling marker file named for the termination reason.
func NewFileTestHandler(dir string) (func(*TestCase), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	n := 0
	return func(tc *TestCase) {
		n++
		base := filepath.Join(dir, fmt.Sprintf("test%06d", n))
		if err := writeTestCaseFile(base+".ktest", tc); err != nil {
			fmt.Fprintf(os.Stderr, "kestrel: cannot write test case: %v\n", err)
			return
		}
		if tc.Errored {
			if err := writeErrorFile(base+"."+tc.Reason.Suffix(), tc); err != nil {
				fmt.Fprintf(os.Stderr, "kestrel: cannot write error file: %v\n", err)
			}
		}
	}, nil
}

// writeTestCaseFile serializes one test case. The format is line oriented:
// a header, then one "object" line per symbolic object with hex contents.
func writeTestCaseFile(path string, tc *TestCase) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ktest 1\n")
	fmt.Fprintf(w, "state %d\n", tc.StateID)
	fmt.Fprintf(w, "steps %d\n", tc.Steps)
	fmt.Fprintf(w, "objects %d\n", len(tc.Objects))
	for _, obj := range tc.Objects {
		fmt.Fprintf(w, "object %q %d %x\n", obj.Name, len(obj.Bytes), obj.Bytes)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// writeErrorFile records where and why an errored path stopped.
func writeErrorFile(path string, tc *TestCase) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "Error: %s\n", tc.Message)
	fmt.Fprintf(f, "Reason: %s\n", tc.Reason)
	fmt.Fprintf(f, "Location: %s\n", tc.Location)
	return f.Close()
}
