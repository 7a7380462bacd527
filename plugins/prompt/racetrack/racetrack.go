package racetrack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"tokenracer/pkg/contract"
)

// Options 为赛道生成 PromptBuilder 的配置。
//   - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）；
//   - InlineUserTemplate / UserTemplatePath: user 提示模板（同上）；
//   - ContextRows: 附带的历史行数上限，默认 5。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineUserTemplate   string `json:"inline_user_template"`
	UserTemplatePath     string `json:"user_template_path"`
	ContextRows          int    `json:"context_rows"`
}

// Builder: 以 GenerationContext 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT  *template.Template
	userT *template.Template
	ctxN  int
}

// roadTypes: 按难度选择的赛道风格（难度超出时取最后一项）。
var roadTypes = []string{
	"straight highway with occasional obstacles",
	"city street with construction zones",
	"racing circuit with chicanes and barriers",
	"desert highway with rockfall hazards",
}

// RoadType 返回难度对应的赛道风格描述。
func RoadType(difficulty int) string {
	i := difficulty - 1
	if i < 0 {
		i = 0
	}
	if i >= len(roadTypes) {
		i = len(roadTypes) - 1
	}
	return roadTypes[i]
}

// view: 模板数据。
type view struct {
	Width      int
	LineLen    int
	EmptyLine  string
	Obstacles  string
	RoadType   string
	Difficulty int
	Context    string
	Want       int
	Synthetic  bool
}

// New 创建赛道 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.ContextRows <= 0 {
		o.ContextRows = 5
	}
	sys, err := loadTemplate("system", defaultSystemTemplate, o.InlineSystemTemplate, o.SystemTemplatePath)
	if err != nil {
		return nil, err
	}
	user, err := loadTemplate("user", defaultUserTemplate, o.InlineUserTemplate, o.UserTemplatePath)
	if err != nil {
		return nil, err
	}
	return &Builder{sysT: sys, userT: user, ctxN: o.ContextRows}, nil
}

// loadTemplate: inline 优先，其次文件，最后内置默认（构造期 I/O）。
func loadTemplate(name, def, inline, path string) (*template.Template, error) {
	src := def
	if inline != "" {
		src = inline
	} else if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s template read: %w", name, err)
		}
		src = string(b)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s template parse: %w", name, err)
	}
	return tpl, nil
}

func (b *Builder) view(gc contract.GenerationContext) view {
	rows := gc.Rows
	if len(rows) > b.ctxN {
		rows = rows[len(rows)-b.ctxN:]
	}
	hist := contract.GenerationContext{Rows: rows, Width: gc.Width}.Text()
	if hist == "" {
		hist = "Starting new road section"
	}
	return view{
		Width:      gc.Width,
		LineLen:    gc.Width + 2,
		EmptyLine:  "|" + strings.Repeat(" ", gc.Width) + "|",
		Obstacles:  strings.Join(strings.Split(contract.ObstacleGlyphs, ""), ", "),
		RoadType:   RoadType(gc.Difficulty),
		Difficulty: gc.Difficulty,
		Context:    hist,
		Want:       gc.Want,
		Synthetic:  gc.Synthetic,
	}
}

func render(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("%s render: %v: %w", t.Name(), err, contract.ErrInvalidInput)
	}
	return buf.String(), nil
}

// Build: 基于 GenerationContext 构造 ChatPrompt（system+user）。
func (b *Builder) Build(ctx context.Context, gc contract.GenerationContext) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if gc.Width <= 0 || gc.Want <= 0 {
		return nil, fmt.Errorf("prompt: %w: width=%d want=%d", contract.ErrInvalidInput, gc.Width, gc.Want)
	}
	v := b.view(gc)
	sys, err := render(b.sysT, v)
	if err != nil {
		return nil, err
	}
	user, err := render(b.userT, v)
	if err != nil {
		return nil, err
	}
	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}, nil
}

// EstimateOverheadTokens: 与历史无关的固定开销（以空历史、零行宽渲染两段模板）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	v := b.view(contract.GenerationContext{Difficulty: 1})
	v.Context = ""
	sys, _ := render(b.sysT, v)
	user, _ := render(b.userT, v)
	return estimate(sys) + estimate(user)
}

var _ contract.PromptBuilder = (*Builder)(nil)
