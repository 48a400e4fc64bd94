package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"candlestore/internal/dtf"
	"candlestore/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Kind identifies a protocol command.
type Kind int

const (
	CmdPing Kind = iota
	CmdHelp
	CmdInfo
	CmdCount
	CmdCountAll
	CmdCreate
	CmdUse
	CmdExists
	CmdAdd
	CmdBulkAdd
	CmdFlush
	CmdFlushAll
	CmdGet
	CmdClear
	CmdClearAll
	CmdLoad
	CmdCandles
)

// Writes reports whether the command can change a store file, directly or through
// autoflush.
func (k Kind) Writes() bool {
	switch k {
	case CmdCreate, CmdAdd, CmdBulkAdd, CmdFlush, CmdFlushAll:
		return true
	default:
		return false
	}
}

// bulkTerminator closes a BULKADD block.
const bulkTerminator = "DDAKLUB"

var (
	// ErrUnknownCommand is returned for an unrecognized keyword.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrSyntax is returned for a recognized keyword with malformed arguments.
	ErrSyntax = errors.New("syntax error")

	// ErrReadOnly is returned for a writing command on a read only server.
	ErrReadOnly = errors.New("read only")
)

// Command is one parsed protocol request.
type Command struct {
	Kind    Kind
	Name    string         // Store name for CREATE, USE, EXISTS, LOAD and ADD ... INTO
	Updates []model.Update // Records for ADD and BULKADD
	Count   int            // Record count for GET, -1 for ALL
	Minutes uint32         // Candle width for CANDLES
	Aligned bool           // CANDLES ... ALIGNED
}

// updateFields carries the numeric fields of one update line for validation.
type updateFields struct {
	Timestamp uint64  `validate:"gt=0"`
	Price     float64 `validate:"gte=0"`
	Size      float64 `validate:"gte=0"`
}

var validate = validator.New()

// ParseCommand parses one protocol message. Keywords are case-insensitive; store
// names are not.
func ParseCommand(msg string) (Command, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return Command{}, fmt.Errorf("%w: empty message", ErrSyntax)
	}

	// BULKADD spans several lines
	if first, rest, _ := strings.Cut(msg, "\n"); strings.EqualFold(firstWord(first), "BULKADD") {
		return parseBulkAdd(first, rest)
	}

	fields := strings.Fields(msg)
	keyword := strings.ToUpper(fields[0])
	args := fields[1:]

	switch keyword {
	case "PING":
		return noArgs(CmdPing, args)
	case "HELP":
		return noArgs(CmdHelp, args)
	case "INFO":
		return noArgs(CmdInfo, args)
	case "COUNT":
		return withAll(CmdCount, CmdCountAll, args)
	case "FLUSH":
		return withAll(CmdFlush, CmdFlushAll, args)
	case "CLEAR":
		return withAll(CmdClear, CmdClearAll, args)
	case "CREATE":
		return withName(CmdCreate, args)
	case "USE":
		return withName(CmdUse, args)
	case "EXISTS":
		return withName(CmdExists, args)
	case "LOAD":
		return withName(CmdLoad, args)
	case "GET":
		return parseGet(args)
	case "CANDLES":
		return parseCandles(args)
	case "ADD":
		return parseAdd(strings.TrimSpace(msg[len(fields[0]):]))
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
}

func firstWord(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func noArgs(kind Kind, args []string) (Command, error) {
	if len(args) != 0 {
		return Command{}, fmt.Errorf("%w: unexpected arguments %v", ErrSyntax, args)
	}
	return Command{Kind: kind}, nil
}

func withAll(one, all Kind, args []string) (Command, error) {
	switch {
	case len(args) == 0:
		return Command{Kind: one}, nil
	case len(args) == 1 && strings.EqualFold(args[0], "ALL"):
		return Command{Kind: all}, nil
	default:
		return Command{}, fmt.Errorf("%w: expected nothing or ALL, got %v", ErrSyntax, args)
	}
}

func withName(kind Kind, args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, fmt.Errorf("%w: expected one store name", ErrSyntax)
	}
	return Command{Kind: kind, Name: args[0]}, nil
}

func parseGet(args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, fmt.Errorf("%w: expected GET <n>|ALL", ErrSyntax)
	}
	if strings.EqualFold(args[0], "ALL") {
		return Command{Kind: CmdGet, Count: -1}, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return Command{}, fmt.Errorf("%w: invalid count %q", ErrSyntax, args[0])
	}
	return Command{Kind: CmdGet, Count: n}, nil
}

func parseCandles(args []string) (Command, error) {
	if len(args) == 0 || len(args) > 2 {
		return Command{}, fmt.Errorf("%w: expected CANDLES <minutes> [ALIGNED]", ErrSyntax)
	}
	m, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || m == 0 {
		return Command{}, fmt.Errorf("%w: invalid minutes %q", ErrSyntax, args[0])
	}
	cmd := Command{Kind: CmdCandles, Minutes: uint32(m)}
	if len(args) == 2 {
		if !strings.EqualFold(args[1], "ALIGNED") {
			return Command{}, fmt.Errorf("%w: unexpected %q", ErrSyntax, args[1])
		}
		cmd.Aligned = true
	}
	return cmd, nil
}

// parseAdd parses "<ts>, <seq>, <t|f>, <t|f>, <price>, <size>; [INTO <db>]".
func parseAdd(body string) (Command, error) {
	line, into, err := splitInto(body)
	if err != nil {
		return Command{}, err
	}
	u, err := ParseUpdate(line)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CmdAdd, Updates: []model.Update{u}, Name: into}, nil
}

// parseBulkAdd parses "BULKADD [INTO <db>]" followed by one update per line and a
// closing DDAKLUB line.
func parseBulkAdd(first, rest string) (Command, error) {
	args := strings.Fields(first)[1:]
	cmd := Command{Kind: CmdBulkAdd}
	switch {
	case len(args) == 0:
	case len(args) == 2 && strings.EqualFold(args[0], "INTO"):
		cmd.Name = args[1]
	default:
		return Command{}, fmt.Errorf("%w: expected BULKADD [INTO <db>]", ErrSyntax)
	}

	terminated := false
	for i, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, bulkTerminator) {
			terminated = true
			break
		}
		u, err := ParseUpdate(line)
		if err != nil {
			return Command{}, fmt.Errorf("line %d: %w", i+2, err)
		}
		cmd.Updates = append(cmd.Updates, u)
	}
	if !terminated {
		return Command{}, fmt.Errorf("%w: missing %s", ErrSyntax, bulkTerminator)
	}
	return cmd, nil
}

// splitInto separates the update text from an optional trailing "INTO <db>".
func splitInto(body string) (string, string, error) {
	line, tail, found := strings.Cut(body, ";")
	if !found {
		return "", "", fmt.Errorf("%w: update must end with ';'", ErrSyntax)
	}
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return line, "", nil
	}
	f := strings.Fields(tail)
	if len(f) != 2 || !strings.EqualFold(f[0], "INTO") {
		return "", "", fmt.Errorf("%w: unexpected %q after update", ErrSyntax, tail)
	}
	return line, f[1], nil
}

// ParseUpdate parses "<ts>, <seq>, <is_trade>, <is_bid>, <price>, <size>" with an
// optional trailing ';'. The timestamp is normalized to milliseconds; prices and sizes
// are parsed as decimals before narrowing to float32.
func ParseUpdate(line string) (model.Update, error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	parts := strings.Split(line, ",")
	if len(parts) != 6 {
		return model.Update{}, fmt.Errorf("%w: expected 6 fields, got %d", ErrSyntax, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	ts, err := parseTimestamp(parts[0])
	if err != nil {
		return model.Update{}, err
	}
	seq, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return model.Update{}, fmt.Errorf("%w: invalid seq %q", ErrSyntax, parts[1])
	}
	isTrade, err := parseFlag(parts[2])
	if err != nil {
		return model.Update{}, err
	}
	isBid, err := parseFlag(parts[3])
	if err != nil {
		return model.Update{}, err
	}
	price, err := decimal.NewFromString(parts[4])
	if err != nil {
		return model.Update{}, fmt.Errorf("%w: invalid price %q", ErrSyntax, parts[4])
	}
	size, err := decimal.NewFromString(parts[5])
	if err != nil {
		return model.Update{}, fmt.Errorf("%w: invalid size %q", ErrSyntax, parts[5])
	}

	fields := updateFields{Timestamp: ts, Price: price.InexactFloat64(), Size: size.InexactFloat64()}
	if err := validate.Struct(fields); err != nil {
		return model.Update{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	return model.Update{
		Timestamp: ts,
		Seq:       uint32(seq),
		IsTrade:   isTrade,
		IsBid:     isBid,
		Price:     float32(fields.Price),
		Size:      float32(fields.Size),
	}, nil
}

// parseTimestamp accepts integer epochs of any precision and "seconds.fraction"
// forms such as 1505177459.658.
func parseTimestamp(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrSyntax, s)
	}
	if d.IsInteger() {
		return dtf.NormalizeTimestamp(d.BigInt().Uint64()), nil
	}
	return uint64(d.Shift(3).IntPart()), nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "t", "true", "1":
		return true, nil
	case "f", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: invalid flag %q", ErrSyntax, s)
	}
}
