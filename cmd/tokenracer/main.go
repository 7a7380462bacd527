package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	cfgpkg "tokenracer/internal/config"
	"tokenracer/internal/diag"
	"tokenracer/internal/game"
)

// runGame 在真实终端上跑一局；测试中替换为无屏幕实现。
var runGame = playRace

// 简化的 CLI：无子命令，直接开一局。
// 全局旗标（最小集）：--config, --llm, --width, --seed, --record, --init-config, --status
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	session := start.Format("20060102-150405") + "-" + corrID[:8]
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := loadDotEnv(".env"); err != nil {
		fprintf(os.Stderr, "提示：.env 解析失败（已跳过）：%v\n", err)
	}
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel, "")
	defer func() { _ = logger.Close() }()
	var (
		flagConfig  string
		flagLLM     string
		flagWidth   int
		flagSeed    uint64
		flagRecord  bool
		flagInitDir string
		flagStatus  bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置），例如 offline / openrouter / gemini")
	flag.IntVar(&flagWidth, "width", 0, "赛道宽度（覆盖配置）")
	flag.Uint64Var(&flagSeed, "seed", 0, "兜底生成器种子（覆盖配置；0 表示按时间）")
	flag.BoolVar(&flagRecord, "record", false, "录制本局赛道到 writer 目录")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "开局/结束时的终端提示（stderr）")
	normalizeInitArg()
	flag.Parse()

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init-config", &start)
			return 3
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init-config", &start)
			return 3
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	// JSON 配置（文件或 ENV: TOKENRACER_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.DefaultTemplateConfig()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	var overCLI cfgpkg.Config
	overCLI.LLM = flagLLM
	overCLI.Track.Width = flagWidth
	overCLI.Track.Seed = flagSeed
	overCLI.Record = flagRecord
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && lv != logLevel {
		_ = logger.Close()
		logger = diag.NewLogger(corrID, lv, "")
	}
	logEffective(logger, cfg, session)

	a, err := cfgpkg.Assemble(cfg, session, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	ctl := a.Controller

	term := diag.NewTerminal(os.Stderr, flagStatus)
	term.RunStart(cfg.LLM, cfg.Track.Width)
	ctl.OnPrime(func(rows, target int) { term.PrimeProgress(rows, target, ctl.Status().String()) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	primeStart := time.Now()
	if err := ctl.Start(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			term.Errorf("赛道初始化失败: %v", err)
		}
		logger.Error("controller", string(diag.Classify(err)), "start", &start)
		return 1
	}
	term.PrimeFinish(int(ctl.Stats().Buffer.Pushed), ctl.Status().String(), time.Since(primeStart))

	res, gameErr := runGame(ctx, a, cfg, logger)
	stopErr := ctl.Stop()

	if a.Recorder != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Recorder.Flush(fctx); err != nil {
			term.Errorf("录制写入失败: %v", err)
			logger.Error("recorder", string(diag.Classify(err)), "flush", &start)
		}
		cancel()
	}

	st := ctl.Stats()
	term.RunFinish(diag.Summary{
		Crashed:      res.Crashed,
		Score:        res.Score,
		Gear:         game.GearName(res.Gear),
		Speed:        game.GearInfo(res.Gear).FPSMult,
		Tokens:       st.Tokens,
		RemoteRows:   st.RemoteRows,
		FallbackRows: st.FallbackRows,
		Evicted:      st.Buffer.Evicted,
		Stalls:       res.Stalls,
		Status:       st.Status.String(),
		Dur:          res.Dur,
	})
	diag.ObserveDuration("game", "finish", time.Since(start).Milliseconds())

	for _, err := range []error{gameErr, stopErr} {
		if err != nil && !errors.Is(err, context.Canceled) {
			code := string(diag.Classify(err))
			logger.Error("game", code, "first error", &start)
			diag.IncError("game", code)
			term.Errorf("运行失败: %v", err)
			return 1
		}
	}
	return 0
}

// playRace 打开真实终端并运行一局；屏幕在返回前复原。
func playRace(ctx context.Context, a *cfgpkg.Assembly, cfg cfgpkg.Config, log *diag.Logger) (game.Result, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return game.Result{}, err
	}
	if err := s.Init(); err != nil {
		return game.Result{}, err
	}
	defer s.Fini()
	s.Clear()

	g, err := game.New(s, a.Controller, game.Options{
		Width:   cfg.Track.Width,
		Height:  cfg.Game.Height,
		BaseFPS: cfg.Game.BaseFPS,
		Tokens:  func() int64 { return a.Controller.Stats().Tokens },
		Log:     log,
	})
	if err != nil {
		return game.Result{}, err
	}
	return g.Run(ctx)
}

// logEffective 输出运行时配置信息（已脱敏）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config, session string) {
	kv := map[string]string{
		"session":        session,
		"llm":            cfg.LLM,
		"width":          fmt.Sprintf("%d", cfg.Track.Width),
		"capacity":       fmt.Sprintf("%d", cfg.Track.Capacity),
		"water":          fmt.Sprintf("%d/%d", cfg.Track.LowWater, cfg.Track.HighWater),
		"record":         fmt.Sprintf("%t", cfg.Record),
		"prompt_builder": cfg.Components.PromptBuilder,
		"writer":         cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.DebugStart("config", "effective", "", kv)
}

func fprintf(w *os.File, format string, a ...any) {
	_, _ = color.New(color.FgRed).Fprintf(w, format, a...)
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

// loadDotEnv 读取 .env（无节 INI）并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 支持可选的前缀 "export "，值两侧成对引号由 ini 去除；空值视为未设置；
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		KeyValueDelimiters:      "=",
	}, path)
	if err != nil {
		return err
	}
	for _, k := range f.Section(ini.DefaultSection).Keys() {
		key := strings.TrimSpace(strings.TrimPrefix(k.Name(), "export "))
		if key == "" || k.Value() == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, k.Value())
	}
	return nil
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# tokenracer .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"LLM", "LOG_LEVEL", "RECORD", "TRACK_WIDTH", "TRACK_SEED", "TIMING_CHUNK_TIMEOUT_MS", "TIMING_COOLDOWN_MS"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n")

	for _, name := range []string{"openrouter", "gemini"} {
		fmt.Fprintf(&b, "# Provider 覆盖（%s）\n", name)
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", p, name, f)
		}
		b.WriteString("\n")
	}

	// 供应商 API Key（由 Provider 客户端读取，不经前缀）
	b.WriteString("# 供应商 API Key\n")
	b.WriteString("OPENROUTER_API_KEY=\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
