// Package textsync 把播放进度映射为台词展示进度（逐词揭示）。
//
// 这是一个显示层启发式，不是转写对齐：它假设整段音频语速均匀，
// 对语速不均的旁白会有可见偏差。任何调用方都不应把它当作权威时间轴。
package textsync

import (
	"math"
	"strings"
)

// WordsToReveal 计算当前应展示的词数：floor(elapsed * wordCount / duration)，
// 夹在 [0, wordCount] 之间。duration 未知（<= 0）时返回 0，防止除零。
func WordsToReveal(elapsed, duration float64, wordCount int) int {
	if duration <= 0 || wordCount <= 0 {
		return 0
	}
	if elapsed <= 0 {
		return 0
	}

	n := int(math.Floor(elapsed * float64(wordCount) / duration))
	if n > wordCount {
		return wordCount
	}
	return n
}

// CountWords 统计台词的词数，与 WordsToReveal 配套使用。
func CountWords(transcript string) int {
	return len(strings.Fields(transcript))
}
