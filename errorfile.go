package sched

import (
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
)

// errFileNotExist is returned by readErrorFile when the runpath has no
// ERROR file; it is not itself a failure worth logging.
var errFileNotExist = errors.New("sched: no ERROR file present")

// errorFileName is the conventional name of the XML exit-diagnostics
// file a forward model leaves in its runpath on failure.
const errorFileName = "ERROR"

// errorFile is the decoded shape of a runpath's ERROR file: job,
// reason, stderr_file, and stderr children. Missing fields render as
// the literal string "None", matching the legacy exit-file writer.
type errorFile struct {
	XMLName    xml.Name `xml:"error"`
	Job        string   `xml:"job"`
	Reason     string   `xml:"reason"`
	StderrFile string   `xml:"stderr_file"`
	Stderr     string   `xml:"stderr"`
}

// readErrorFile parses runPath/ERROR, filling any absent child element
// with "None". It returns (nil, errFileNotExist) when the file is
// absent, which callers treat as the common case, not an error.
func readErrorFile(runPath string) (*errorFile, error) {
	data, err := os.ReadFile(filepath.Join(runPath, errorFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errFileNotExist
		}
		return nil, err
	}

	var raw struct {
		XMLName    xml.Name `xml:"error"`
		Job        *string  `xml:"job"`
		Reason     *string  `xml:"reason"`
		StderrFile *string  `xml:"stderr_file"`
		Stderr     *string  `xml:"stderr"`
	}
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	orNone := func(s *string) string {
		if s == nil {
			return "None"
		}
		return *s
	}
	return &errorFile{
		Job:        orNone(raw.Job),
		Reason:     orNone(raw.Reason),
		StderrFile: orNone(raw.StderrFile),
		Stderr:     orNone(raw.Stderr),
	}, nil
}
