// Package legacyfcp implements the request builder and response-line
// scanner for the legacy FCP line protocol (spec.md §6 "Legacy FCP
// interface"), recovered from original_source/fcptools/ezFCPlib/_fcpPut.c.
// It is deliberately self-contained: nothing in this package is called
// by coding, scatter, gather, or proxyserver, matching §1's statement
// that the core does not depend on it and §6's characterization of this
// path as a boundary, "not the interesting engineering."
package legacyfcp

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

// ResponseKind enumerates the response tokens a legacy node speaks,
// exactly as _fcpPut.c's response switch handles them.
type ResponseKind string

const (
	Success       ResponseKind = "Success"
	KeyCollision  ResponseKind = "KeyCollision"
	Restarted     ResponseKind = "Restarted"
	Pending       ResponseKind = "Pending"
	RouteNotFound ResponseKind = "RouteNotFound"
	FormatError   ResponseKind = "FormatError"
	Failed        ResponseKind = "Failed"
	SegmentHeader ResponseKind = "SegmentHeader"
	BlocksEncoded ResponseKind = "BlocksEncoded"
	DataChunk     ResponseKind = "DataChunk"
	MadeMetadata  ResponseKind = "MadeMetadata"
)

// endMessage terminates a field block in the classic FCP1 line protocol,
// the same role the blank-line/sentinel plays around _fcpPut.c's
// SegmentHeader/BlocksEncoded/DataChunk field groups.
const endMessage = "EndMessage"

// PutRequest is the header legacyfcp builds for a ClientPut, mirroring
// _fcpPut.c's two `snprintf` templates (with and without metadata).
type PutRequest struct {
	RemoveLocalKey bool
	URI            string
	HopsToLive     uint32
	DataLength     uint64
	MetadataLength uint64 // 0 means "no metadata", the no-metadata template
}

// Encode builds the ClientPut header line. The caller appends exactly
// DataLength (plus MetadataLength, if nonzero) raw payload bytes after
// it; this package never owns a transport connection.
func (r PutRequest) Encode() []byte {
	rlk := "false"
	if r.RemoveLocalKey {
		rlk = "true"
	}

	var b strings.Builder
	b.WriteString("ClientPut\n")
	fmt.Fprintf(&b, "RemoveLocalKey=%s\n", rlk)
	fmt.Fprintf(&b, "URI=%s\n", r.URI)
	fmt.Fprintf(&b, "HopsToLive=%x\n", r.HopsToLive)
	if r.MetadataLength > 0 {
		fmt.Fprintf(&b, "DataLength=%x\n", r.DataLength)
		fmt.Fprintf(&b, "MetadataLength=%x\n", r.MetadataLength)
	} else {
		fmt.Fprintf(&b, "DataLength=%x\n", r.DataLength)
	}
	b.WriteString("Data\n")
	return []byte(b.String())
}

// Response is one parsed legacy-node reply: a token plus whatever
// Key=Value fields followed it before EndMessage.
type Response struct {
	Kind   ResponseKind
	Fields map[string]string
}

// Reason returns the Reason field FormatError and Failed responses carry
// (_fcpPut.c logs exactly this field for both), or "" if absent.
func (r Response) Reason() string { return r.Fields["Reason"] }

// ScanResponse reads one token line and its following Key=Value field
// block, up to and including the EndMessage terminator.
func ScanResponse(r io.Reader) (Response, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return Response{}, xerrors.Errorf("legacyfcp: reading response token: %w", scanErr(sc))
	}
	kind := ResponseKind(strings.TrimSpace(sc.Text()))
	if kind == "" {
		return Response{}, xerrors.New("legacyfcp: empty response token")
	}

	fields := make(map[string]string)
	for sc.Scan() {
		line := sc.Text()
		if line == endMessage {
			return Response{Kind: kind, Fields: fields}, nil
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Response{}, xerrors.Errorf("legacyfcp: malformed field line %q", line)
		}
		fields[k] = v
	}
	return Response{}, xerrors.Errorf("legacyfcp: response truncated before EndMessage: %w", scanErr(sc))
}

func scanErr(sc *bufio.Scanner) error {
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
