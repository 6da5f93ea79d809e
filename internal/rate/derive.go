package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"policyeval/pkg/contract"
)

// offlineClients 不需要密钥，按客户端名共用一个分组。
var offlineClients = map[string]bool{"mock": true, "flaky": true}

// keyEnvDefaults 与各客户端插件的默认 api_key_env 一致。
var keyEnvDefaults = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

type keyOptions struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
}

// DeriveKeyFromProviderOptions 返回 "<client>:<sha256(api key)>" 形式的限流分组键，
// 使共享同一密钥的 provider 共用 RPM/TPM 额度。密钥取自 options 的 api_key，其次 api_key_env 指向的环境变量。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var o keyOptions
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	secret := o.APIKey
	if secret == "" {
		env := o.APIKeyEnv
		if env == "" {
			env = keyEnvDefaults[client]
		}
		if env != "" {
			secret = os.Getenv(env)
		}
	}
	if secret == "" {
		if !offlineClients[client] {
			return "", fmt.Errorf("rate: %w: no api key for client %s", contract.ErrInvalidInput, client)
		}
		secret = "offline:" + client
	}
	sum := sha256.Sum256([]byte(secret))
	return LimitKey(client + ":" + hex.EncodeToString(sum[:])), nil
}
