package logger

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestNew(t *testing.T) {
	l := New()
	require.NotNil(t, l)
	assert.Equal(t, os.Stderr, l.writer)
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	require.NotNil(t, l)
	l.Info("hello")
	assert.Contains(t, buf.String(), "LEVEL=INFO")
	assert.Contains(t, buf.String(), "MESSAGE=hello")
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Info("test message", F("key", "value"))
	output := buf.String()
	assert.Contains(t, output, "LEVEL=INFO")
	assert.Contains(t, output, "MESSAGE=test message")
	assert.Contains(t, output, "key=value")
}

func TestError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Error("something broke", F("code", 500))
	output := buf.String()
	assert.Contains(t, output, "LEVEL=ERROR")
	assert.Contains(t, output, "MESSAGE=something broke")
	assert.Contains(t, output, "code=500")
}

func TestWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Warn("watch out")
	assert.Contains(t, buf.String(), "LEVEL=WARNING")
}

func TestDebug_DisabledByDefault(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Debug("details")
	assert.Empty(t, buf.String())
}

func TestDebug_Enabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.SetDebug(true)
	l.Debug("details")
	assert.Contains(t, buf.String(), "LEVEL=DEBUG")
}

func TestLogMultipleFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Info("multi", F("a", 1), F("b", "two"))
	output := buf.String()
	assert.Contains(t, output, "a=1")
	assert.Contains(t, output, "b=two")
}

func TestConcurrentWritesKeepLinesIntact(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Info("concurrent", Count(i))
		}(i)
	}
	wg.Wait()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 50)
	for _, line := range lines {
		assert.True(t, bytes.HasPrefix(line, []byte("LEVEL=INFO MESSAGE=concurrent COUNT=")))
	}
}

func TestFieldConstructors(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		key   string
	}{
		{"Action", Action("do"), "ACTION"},
		{"Status", Status("ok"), "STATUS"},
		{"VM", VM("vm1"), "VM"},
		{"VMID", VMID("vm-1"), "VM_ID"},
		{"Host", Host("vcenter.local"), "HOST"},
		{"User", User("alice"), "USER"},
		{"Count", Count(5), "COUNT"},
		{"Error", Error(errors.New("oops")), "ERROR"},
		{"Mode", Mode(stringer("shutdown")), "MODE"},
		{"PowerState", PowerState(stringer("POWERED_ON")), "POWER_STATE"},
		{"Group", Group(2), "GROUP"},
		{"Attempt", Attempt(1), "ATTEMPT"},
		{"Succeeded", Succeeded(4), "SUCCEEDED"},
		{"Failed", Failed(1), "FAILED"},
		{"Skipped", Skipped(3), "SKIPPED"},
		{"Duration", Duration(time.Second), "DURATION"},
		{"Reason", Reason("because"), "REASON"},
		{"RunID", RunID("abc"), "RUN_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.field.Key)
			assert.NotNil(t, tt.field.Value)
		})
	}
}

func TestF(t *testing.T) {
	f := F("mykey", 42)
	assert.Equal(t, "mykey", f.Key)
	assert.Equal(t, 42, f.Value)
}

func TestLogNoFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)
	l.Info("no fields")
	output := buf.String()
	assert.Equal(t, "LEVEL=INFO MESSAGE=no fields\n", output)
}
