package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "tokenracer/internal/config"
	"tokenracer/internal/diag"
	"tokenracer/internal/game"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// chdir 切到临时目录（日志与录制都落在这里）。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

// smallConfig: 小缓冲 + 无延迟 offline，开局很快完成。
func smallConfig() cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Track.Capacity = 40
	cfg.Track.LowWater = 5
	cfg.Track.HighWater = 20
	cfg.Track.PrimeRows = 10
	cfg.Track.SegmentRows = 10
	cfg.Track.Seed = 1
	cfg.Timing.CooldownMS = 50
	cfg.Timing.StarvationGraceMS = 100
	p := cfg.Provider["offline"]
	p.Options = json.RawMessage(`{"segment_rows":10,"chunk_size":64,"delay_ms":0}`)
	cfg.Provider["offline"] = p
	p = cfg.Provider["mock"]
	p.Options = json.RawMessage(`{"segment_rows":10,"chunk_size":64}`)
	cfg.Provider["mock"] = p
	return cfg
}

func setConfigEnv(t *testing.T, cfg cfgpkg.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", string(b))
}

// stubGame 消费 n 行后结束，不打开终端。
func stubGame(t *testing.T, n int, check func(*cfgpkg.Assembly, cfgpkg.Config)) *bool {
	t.Helper()
	called := false
	orig := runGame
	runGame = func(ctx context.Context, a *cfgpkg.Assembly, cfg cfgpkg.Config, log *diag.Logger) (game.Result, error) {
		called = true
		if check != nil {
			check(a, cfg)
		}
		for i := 0; i < n; i++ {
			row, ok := a.Controller.PopNextRow(time.Second)
			if !ok {
				t.Errorf("第 %d 行取行失败", i)
				break
			}
			a.Controller.NotifyConsumed(row)
		}
		return game.Result{Score: n, Gear: 1, Rows: int64(n)}, nil
	}
	t.Cleanup(func() { runGame = orig })
	return &called
}

func TestWriteConfig(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	file := filepath.Join(t.TempDir(), "c.json")
	if err := writeConfig(file, cfg); err != nil {
		t.Fatalf("writeConfig file: %v", err)
	}
	if _, err := cfgpkg.LoadJSON(file, nil); err != nil {
		t.Fatalf("生成的配置应能严格解析: %v", err)
	}
	if err := writeConfig(file, cfg); err == nil {
		t.Fatalf("已存在时不应覆盖")
	}
}

func TestDumpConfig(t *testing.T) {
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	old := os.Stderr
	os.Stderr = devnull
	defer func() { os.Stderr = old; devnull.Close() }()
	if err := dumpConfig(cfgpkg.Defaults()); err != nil {
		t.Fatalf("dumpConfig: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := strings.Join([]string{
		"# comment",
		`TOKENRACER_TEST_DOTENV_A="quoted value"`,
		"export TOKENRACER_TEST_DOTENV_B=plain",
		"TOKENRACER_TEST_DOTENV_EMPTY=",
		"TOKENRACER_TEST_DOTENV_KEEP=from-file",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOKENRACER_TEST_DOTENV_KEEP", "from-env")
	t.Cleanup(func() {
		os.Unsetenv("TOKENRACER_TEST_DOTENV_A")
		os.Unsetenv("TOKENRACER_TEST_DOTENV_B")
	})
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if v := os.Getenv("TOKENRACER_TEST_DOTENV_A"); v != "quoted value" {
		t.Fatalf("引号应被去除: %q", v)
	}
	if v := os.Getenv("TOKENRACER_TEST_DOTENV_B"); v != "plain" {
		t.Fatalf("export 前缀应被忽略: %q", v)
	}
	if _, ok := os.LookupEnv("TOKENRACER_TEST_DOTENV_EMPTY"); ok {
		t.Fatalf("空值不应写入环境")
	}
	if v := os.Getenv("TOKENRACER_TEST_DOTENV_KEEP"); v != "from-env" {
		t.Fatalf("不应覆盖已有 ENV: %q", v)
	}
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("不存在的文件应忽略: %v", err)
	}
}

func TestRunInitConfig(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "out")
	resetFlag([]string{"tokenracer", "--init-config", outDir})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	for _, name := range []string{"config.json", ".env"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}
	// 生成的 .env 只含空值，加载后不应影响配置解析
	env, _ := os.ReadFile(filepath.Join(outDir, ".env"))
	if !strings.Contains(string(env), "TOKENRACER_PROVIDER__openrouter__OPTIONS_JSON=") {
		t.Fatalf(".env 模板缺少 provider 键:\n%s", env)
	}
}

func TestRunInitConfigDefault(t *testing.T) {
	chdir(t)
	resetFlag([]string{"tokenracer", "--init-config"})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if _, err := os.Stat("config.json"); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}

func TestRunInitConfigFileExists(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "out2")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write existing: %v", err)
	}
	resetFlag([]string{"tokenracer", "--init-config", outDir})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunSuccess(t *testing.T) {
	chdir(t)
	setConfigEnv(t, smallConfig())
	resetFlag([]string{"tokenracer", "--status=false"})
	called := stubGame(t, 15, func(a *cfgpkg.Assembly, cfg cfgpkg.Config) {
		if a.Client != "offline" || a.Recorder != nil {
			t.Errorf("默认应为 offline 且不录制: %s %v", a.Client, a.Recorder)
		}
	})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("runGame not called")
	}
}

func TestRunRecord(t *testing.T) {
	dir := chdir(t)
	cfg := smallConfig()
	cfg.Options.Writer = json.RawMessage(`{"dir":"tracks","keep":3}`)
	setConfigEnv(t, cfg)
	resetFlag([]string{"tokenracer", "--status=false", "--record"})
	stubGame(t, 12, nil)
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	tracks, _ := filepath.Glob(filepath.Join(dir, "tracks", "*.track"))
	sidecars, _ := filepath.Glob(filepath.Join(dir, "tracks", "*.track.jsonl"))
	if len(tracks) != 1 || len(sidecars) != 1 {
		t.Fatalf("应生成一局录制: %v %v", tracks, sidecars)
	}
	b, _ := os.ReadFile(tracks[0])
	if lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n"); len(lines) != 12 {
		t.Fatalf("录制行数应为 12: %d", len(lines))
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := chdir(t)
	b, _ := json.Marshal(smallConfig())
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	resetFlag([]string{"tokenracer", "--status=false", "--config", path})
	called := stubGame(t, 1, nil)
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("runGame not called")
	}
}

func TestRunDefaultConfigFile(t *testing.T) {
	chdir(t)
	b, _ := json.Marshal(smallConfig())
	if err := os.WriteFile("config.json", b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	resetFlag([]string{"tokenracer", "--status=false"})
	called := stubGame(t, 1, nil)
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("runGame not called")
	}
}

func TestRunConfigFileNotFound(t *testing.T) {
	chdir(t)
	resetFlag([]string{"tokenracer", "--config", "missing.json"})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunValidateError(t *testing.T) {
	chdir(t)
	cfg := smallConfig()
	cfg.LLM = "nope"
	setConfigEnv(t, cfg)
	resetFlag([]string{"tokenracer", "--status=false"})
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	old := os.Stderr
	os.Stderr = devnull
	defer func() { os.Stderr = old; devnull.Close() }()
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunAssembleError(t *testing.T) {
	chdir(t)
	cfg := smallConfig()
	cfg.Options.PromptBuilder = json.RawMessage(`{"unknown":1}`)
	setConfigEnv(t, cfg)
	resetFlag([]string{"tokenracer", "--status=false"})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunEnvParseError(t *testing.T) {
	chdir(t)
	setConfigEnv(t, smallConfig())
	t.Setenv(cfgpkg.EnvPrefix+"TRACK_WIDTH", "wide")
	resetFlag([]string{"tokenracer", "--status=false"})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunGameError(t *testing.T) {
	chdir(t)
	setConfigEnv(t, smallConfig())
	resetFlag([]string{"tokenracer", "--status=false"})
	orig := runGame
	runGame = func(context.Context, *cfgpkg.Assembly, cfgpkg.Config, *diag.Logger) (game.Result, error) {
		return game.Result{}, errors.New("boom")
	}
	defer func() { runGame = orig }()
	if code := run(); code != 1 {
		t.Fatalf("expect 1, got %d", code)
	}
}

func TestRunCLIOverrides(t *testing.T) {
	chdir(t)
	setConfigEnv(t, smallConfig())
	resetFlag([]string{"tokenracer", "--status=false", "--llm", "mock", "--width", "31", "--seed", "5"})
	called := stubGame(t, 3, func(a *cfgpkg.Assembly, cfg cfgpkg.Config) {
		if cfg.LLM != "mock" || a.Client != "mock" || cfg.Track.Width != 31 || cfg.Track.Seed != 5 {
			t.Errorf("cli overrides not applied: llm=%s client=%s width=%d seed=%d", cfg.LLM, a.Client, cfg.Track.Width, cfg.Track.Seed)
		}
		if a.Controller.Settings().Width != 31 {
			t.Errorf("控制器行宽未生效: %d", a.Controller.Settings().Width)
		}
	})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("runGame not called")
	}
}

func TestRunDotEnvOverlay(t *testing.T) {
	chdir(t)
	setConfigEnv(t, smallConfig())
	if err := os.WriteFile(".env", []byte("TOKENRACER_TRACK_WIDTH=27\nTOKENRACER_LOG_LEVEL=\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, exists := os.LookupEnv("TOKENRACER_TRACK_WIDTH"); exists {
		t.Skip("环境中已设置 TOKENRACER_TRACK_WIDTH")
	}
	t.Cleanup(func() { os.Unsetenv("TOKENRACER_TRACK_WIDTH") })
	resetFlag([]string{"tokenracer", "--status=false"})
	called := stubGame(t, 1, func(a *cfgpkg.Assembly, cfg cfgpkg.Config) {
		if cfg.Track.Width != 27 {
			t.Errorf(".env 覆盖未生效: %d", cfg.Track.Width)
		}
	})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("runGame not called")
	}
}

func TestNormalizeInitArg(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"tokenracer", "--init-config", "--status=false"}
	normalizeInitArg()
	if len(os.Args) != 4 || os.Args[2] != "." {
		t.Fatalf("裸开关应补默认目录: %v", os.Args)
	}
	os.Args = []string{"tokenracer", "--init-config", "out"}
	normalizeInitArg()
	if len(os.Args) != 3 || os.Args[2] != "out" {
		t.Fatalf("带值时不应修改: %v", os.Args)
	}
}
