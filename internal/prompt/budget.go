package prompt

import "tokenracer/pkg/contract"

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		if len(s) == 0 {
			return 0
		}
		return (len(s) + bpt - 1) / bpt
	}
}

// EstimateRequest 估算一次赛道请求的 token 消耗：固定提示开销 + 历史行 + 期望输出行。
// 输出行按带框线与换行的字节数（W+3）计。
func EstimateRequest(pb contract.PromptBuilder, est contract.TokenEstimator, gc contract.GenerationContext) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	n := est(gc.Text())
	if pb != nil {
		n += pb.EstimateOverheadTokens(est)
	}
	if gc.Want > 0 && gc.Width > 0 {
		n += est(string(make([]byte, gc.Want*(gc.Width+3))))
	}
	return n
}

// ClampMaxTokens 返回请求的输出上限：配置值为 0 时按期望行数推导（留 50% 余量）。
func ClampMaxTokens(configured int, est contract.TokenEstimator, gc contract.GenerationContext) int {
	if configured > 0 {
		return configured
	}
	if est == nil {
		est = MakeEstimator(0)
	}
	want := est(string(make([]byte, gc.Want*(gc.Width+3))))
	if want <= 0 {
		return 0
	}
	return want + want/2
}
