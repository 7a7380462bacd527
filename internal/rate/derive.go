package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromProviderOptions 从客户端标识与其原样 Options JSON 中提取 API Key，
// 返回 client+sha256(key) 形式的限流分组键（同一密钥的多个 provider 共享额度）。
// 本地客户端（mock/flaky/offline/replay）无密钥时使用固定键。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		// 宽松解析：只关心两个键
		_ = json.Unmarshal(raw, &obj)
	}
	key := obj.APIKey
	if key == "" && obj.APIKeyEnv != "" {
		key = os.Getenv(obj.APIKeyEnv)
	}
	if key == "" {
		switch client {
		case "mock", "flaky", "offline", "replay":
			key = "LOCAL_" + client
		default:
			return "", fmt.Errorf("rate: missing api key for client %s", client)
		}
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
