package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"tokenracer/pkg/contract"
)

// UT-REG-01: 严格解码。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
}

// UT-REG-02: 遍历注册表入口。
func TestFactories(t *testing.T) {
	t.Run("prompt", func(t *testing.T) {
		if _, err := PromptBuilder["racetrack"](json.RawMessage(`{"context_rows":3}`)); err != nil {
			t.Fatalf("prompt: %v", err)
		}
		if _, err := PromptBuilder["racetrack"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("prompt 未对未知字段报错")
		}
	})
	t.Run("writer", func(t *testing.T) {
		tmp := t.TempDir()
		if _, err := Writer["fs"](json.RawMessage(fmt.Sprintf(`{"dir":%q,"keep":3}`, tmp))); err != nil {
			t.Fatalf("writer: %v", err)
		}
		if _, err := Writer["fs"](json.RawMessage(fmt.Sprintf(`{"dir":%q,"x":1}`, tmp))); err == nil {
			t.Fatalf("writer 未对未知字段报错")
		}
		if _, err := Writer["fs"](nil); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("writer 缺少 dir 应报错: %v", err)
		}
	})
	for _, name := range []string{"mock", "flaky", "offline"} {
		t.Run("llm-"+name, func(t *testing.T) {
			if _, err := LLMStreamer[name](json.RawMessage(`{"width":10}`)); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		})
	}
	t.Run("llm-replay", func(t *testing.T) {
		fp := filepath.Join(t.TempDir(), "s.track")
		if err := os.WriteFile(fp, []byte("|    |\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LLMStreamer["replay"](json.RawMessage(fmt.Sprintf(`{"paths":[%q]}`, fp))); err != nil {
			t.Fatalf("replay: %v", err)
		}
	})
	for _, name := range []string{"openai", "gemini"} {
		t.Run("llm-"+name, func(t *testing.T) {
			if _, err := LLMStreamer[name](json.RawMessage(`{"api_key_env":"TOKENRACER_TEST_UNSET_KEY"}`)); !errors.Is(err, contract.ErrInvalidInput) {
				t.Fatalf("%s 缺少密钥应为 ErrInvalidInput: %v", name, err)
			}
		})
	}
}
