package server

import (
	"errors"
	"fmt"
	"strconv"

	"candlestore/internal/candles"
	"candlestore/internal/session"
)

const helpText = `PING                      check the connection
HELP                      this text
INFO                      session summary as JSON
COUNT [ALL]               records in the selected store or in all stores
CREATE <db>               register a new store
USE <db>                  select a store
EXISTS <db>               1 if the store is registered, 0 otherwise
ADD <ts>, <seq>, <is_trade>, <is_bid>, <price>, <size>; [INTO <db>]
BULKADD [INTO <db>]       one update per line, closed by DDAKLUB
FLUSH [ALL]               write resident records to disk
GET <n>|ALL               resident records as binary batches
CLEAR [ALL]               drop resident records
LOAD <db>                 read a store file into memory and select it
CANDLES <minutes> [ALIGNED]  candles of the selected store as CSV`

// Response is the reply to one command.
type Response struct {
	Binary bool   // Data is a batch payload rather than text
	Data   []byte // Reply body
}

func text(s string) Response {
	return Response{Data: []byte(s)}
}

func ok() Response {
	return text("OK")
}

func fail(err error) Response {
	return text("ERR: " + err.Error())
}

func flag(b bool) Response {
	if b {
		return text("1")
	}
	return text("0")
}

// Execute runs cmd against sess and returns the reply.
//
// A ConsistencyError raised by the candle engine aborts only the current command and
// is reported as an error reply. Any other panic propagates.
func Execute(sess *session.Session, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			var ce *candles.ConsistencyError
			err, isErr := r.(error)
			if !isErr || !errors.As(err, &ce) {
				panic(r)
			}
			resp = fail(ce)
		}
	}()

	switch cmd.Kind {
	case CmdPing:
		return text("PONG")
	case CmdHelp:
		return text(helpText)
	case CmdInfo:
		b, err := sess.Info()
		if err != nil {
			return fail(err)
		}
		return text(string(b))
	case CmdCount:
		return text(strconv.FormatUint(sess.Count(), 10))
	case CmdCountAll:
		return text(strconv.FormatUint(sess.CountAll(), 10))
	case CmdCreate:
		if err := sess.Create(cmd.Name); err != nil {
			return fail(err)
		}
		return ok()
	case CmdUse:
		if err := sess.Use(cmd.Name); err != nil {
			return fail(err)
		}
		return ok()
	case CmdExists:
		return flag(sess.Exists(cmd.Name))
	case CmdAdd, CmdBulkAdd:
		return add(sess, cmd)
	case CmdFlush:
		if err := sess.Flush(); err != nil {
			return fail(err)
		}
		return ok()
	case CmdFlushAll:
		if err := sess.FlushAll(); err != nil {
			return fail(err)
		}
		return ok()
	case CmdGet:
		b, found := sess.Get(cmd.Count)
		if !found {
			return text("ERR: not enough items")
		}
		return Response{Binary: true, Data: b}
	case CmdClear:
		if err := sess.Clear(); err != nil {
			return fail(err)
		}
		return ok()
	case CmdClearAll:
		if err := sess.ClearAll(); err != nil {
			return fail(err)
		}
		return ok()
	case CmdLoad:
		if err := sess.Load(cmd.Name); err != nil {
			return fail(err)
		}
		return ok()
	case CmdCandles:
		series, err := sess.Candles(true, cmd.Aligned, cmd.Minutes)
		if err != nil {
			return fail(err)
		}
		return text(series.CSV())
	default:
		return fail(fmt.Errorf("%w: kind %d", ErrUnknownCommand, cmd.Kind))
	}
}

// add routes updates either to the named store or to the selected one. Autoflush
// runs after every update routed to the selected store.
func add(sess *session.Session, cmd Command) Response {
	if cmd.Name != "" {
		for _, u := range cmd.Updates {
			if !sess.Insert(u, cmd.Name) {
				return fail(fmt.Errorf("%w: %s", session.ErrUnknownStore, cmd.Name))
			}
		}
		return ok()
	}

	for _, u := range cmd.Updates {
		sess.Add(u)
		if _, err := sess.Autoflush(); err != nil {
			return fail(err)
		}
	}
	return ok()
}
