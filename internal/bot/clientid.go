package bot

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// 客户端订单号前缀, 便于在交易所界面区分本机器人的订单
const (
	clientIDPrefix = "tg"
	kindEntry      = "e"
	kindTakeProfit = "t"
)

// clientIDGen 生成唯一的 newClientOrderId: 前缀 + 类型 + 启动时间 + 序号, 均为 base62.
// Binance 要求不超过 36 个字符.
type clientIDGen struct {
	session string
	seq     atomic.Uint64
}

func newClientIDGen(start time.Time) *clientIDGen {
	return &clientIDGen{session: string(base62.FormatUint(uint64(start.UnixMilli())))}
}

func (g *clientIDGen) next(kind string) string {
	n := g.seq.Add(1)
	return clientIDPrefix + kind + g.session + "-" + string(base62.FormatUint(n))
}

// ownsClientID reports whether id was generated by this bot, in any session.
func ownsClientID(id string) bool {
	return strings.HasPrefix(id, clientIDPrefix+kindEntry) || strings.HasPrefix(id, clientIDPrefix+kindTakeProfit)
}
