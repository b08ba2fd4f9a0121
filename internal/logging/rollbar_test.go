package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rollbar/rollbar-go"
)

type reported struct {
	level string
	args  []interface{}
}

func newTestRollbar(debug bool) (*RollbarLogger, *[]reported, *bytes.Buffer) {
	var buf bytes.Buffer
	var sent []reported
	l := &RollbarLogger{
		std: NewWithWriter(&buf, "test", debug),
		report: func(level string, args ...interface{}) {
			sent = append(sent, reported{level, args})
		},
	}
	return l, &sent, &buf
}

func TestRollbarLogger_DebugFollowsStdLevel(t *testing.T) {
	l, sent, buf := newTestRollbar(false)
	l.Debug("ping failed", Fields{"conn_id": "c1"})
	if len(*sent) != 0 || buf.Len() != 0 {
		t.Errorf("debug disabled: reported %v, wrote %q", *sent, buf.String())
	}

	l, sent, _ = newTestRollbar(true)
	l.Debug("ping failed")
	if len(*sent) != 1 || (*sent)[0].level != rollbar.DEBUG {
		t.Errorf("debug enabled: reported %v, want one debug item", *sent)
	}
}

func TestRollbarLogger_Levels(t *testing.T) {
	l, sent, _ := newTestRollbar(false)
	l.Info("a")
	l.Warn("b")
	l.Error("c", errors.New("boom"), Fields{"k": "v"})

	want := []string{rollbar.INFO, rollbar.WARN, rollbar.ERR}
	if len(*sent) != len(want) {
		t.Fatalf("reported %d items, want %d", len(*sent), len(want))
	}
	for i, level := range want {
		if (*sent)[i].level != level {
			t.Errorf("item %d level = %q, want %q", i, (*sent)[i].level, level)
		}
	}

	args := (*sent)[2].args
	if len(args) != 3 || args[0] != "c" {
		t.Fatalf("error args = %v, want msg, err, extras", args)
	}
	if extras, ok := args[2].(map[string]interface{}); !ok || extras["k"] != "v" {
		t.Errorf("extras = %v", args[2])
	}
}
