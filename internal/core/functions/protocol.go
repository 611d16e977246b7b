package functions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"faas-executor/internal/core/runtime"

	"github.com/joho/godotenv"
)

// Paths of the protocol files inside the container.
const (
	RequestPath = "/request.json"
	ConfigPath  = "/.env.config"
	ResultPath  = "/result.json"
	LogsPath    = "/logs.json"
)

const (
	requestFile = "request.json"
	configFile  = ".env.config"
	resultFile  = "result.json"
	logsFile    = "logs.json"
)

// invocationDir is the host side of the file protocol of one invocation.
type invocationDir struct {
	path string
}

// envConfig is written to /.env.config.
type envConfig struct {
	FunctionID  string
	Version     int
	Timeout     time.Duration
	MemoryLimit int64
}

func (c envConfig) values() map[string]string {
	return map[string]string{
		"FAAS_RESTRICTED":   "1",
		"FAAS_FUNCTION_ID":  c.FunctionID,
		"FAAS_VERSION":      strconv.Itoa(c.Version),
		"FAAS_TIMEOUT_MS":   strconv.FormatInt(c.Timeout.Milliseconds(), 10),
		"FAAS_MEMORY_LIMIT": strconv.FormatInt(c.MemoryLimit, 10),
	}
}

// newInvocationDir creates a fresh directory below root and writes the
// request, the config and empty placeholders for the guest's output.
func newInvocationDir(root, invocationID string, req *ExecutionRequest, cfg envConfig) (*invocationDir, error) {
	dir := filepath.Join(root, invocationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create invocation dir: %w", err)
	}
	inv := &invocationDir{path: dir}

	payload, err := json.Marshal(req)
	if err != nil {
		inv.remove()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	env, err := godotenv.Marshal(cfg.values())
	if err != nil {
		inv.remove()
		return nil, fmt.Errorf("marshal env config: %w", err)
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{requestFile, payload, 0o444},
		{configFile, []byte(env + "\n"), 0o444},
		// the guest may run as any uid
		{resultFile, nil, 0o666},
		{logsFile, nil, 0o666},
	}
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, f.mode); err != nil {
			inv.remove()
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		// WriteFile honours the umask
		if err := os.Chmod(p, f.mode); err != nil {
			inv.remove()
			return nil, fmt.Errorf("chmod %s: %w", f.name, err)
		}
	}
	return inv, nil
}

func (d *invocationDir) mounts() []runtime.Mount {
	return []runtime.Mount{
		{Source: filepath.Join(d.path, requestFile), Target: RequestPath, ReadOnly: true},
		{Source: filepath.Join(d.path, configFile), Target: ConfigPath, ReadOnly: true},
		{Source: filepath.Join(d.path, resultFile), Target: ResultPath},
		{Source: filepath.Join(d.path, logsFile), Target: LogsPath},
	}
}

// guestResult is what the bootstrap writes to /result.json.
type guestResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// readResult returns nil when the guest left no parsable result.
func (d *invocationDir) readResult() *guestResult {
	raw, err := os.ReadFile(filepath.Join(d.path, resultFile))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var res guestResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	if res.StatusCode == 0 {
		res.StatusCode = 200
	}
	return &res
}

type guestLogs struct {
	Error []LogEntry `json:"error"`
	Debug []LogEntry `json:"debug"`
	Info  []LogEntry `json:"info"`
}

// readLogs returns empty logs when the guest wrote nothing usable.
func (d *invocationDir) readLogs() guestLogs {
	var logs guestLogs
	raw, err := os.ReadFile(filepath.Join(d.path, logsFile))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return logs
	}
	_ = json.Unmarshal(raw, &logs)
	return logs
}

func (d *invocationDir) remove() error {
	return os.RemoveAll(d.path)
}
