package reporter

import (
	"fmt"
	"strings"
	"time"

	"trend-grid-bot-go/internal/engine"
	"trend-grid-bot-go/internal/exchange"
	"trend-grid-bot-go/internal/models"
	"trend-grid-bot-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Report 一次状态播报所需的全部数据
type Report struct {
	Status  engine.Status
	Price   float64
	Fills   storage.FillStats
	Recent  []models.FillRecord
	Account *exchange.SimAccount // 仅模拟盘
	At      time.Time
}

// Render 生成状态表格
func Render(r Report) string {
	var b strings.Builder

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s 网格状态 @ %s", r.Status.Symbol, r.At.Format("2006-01-02 15:04:05")))
	t.AppendRow(table.Row{"当前价格", formatFloat(r.Price, 2)})
	t.AppendRow(table.Row{"网格状态", stateLabel(r.Status)})
	t.AppendRow(table.Row{"cycle / trigger", fmt.Sprintf("%v / %v", r.Status.CycleActivated, r.Status.TriggerActivated)})
	t.AppendRow(table.Row{"允许开仓", r.Status.AllowTrade})
	if r.Status.Protected {
		t.AppendRow(table.Row{"挂单保护", "ON"})
	}
	if ind := r.Status.Indicator; ind != nil {
		t.AppendSeparator()
		t.AppendRow(table.Row{"MACD", formatFloat(ind.MACD, 4)})
		t.AppendRow(table.Row{"Signal", formatFloat(ind.Signal, 4)})
		t.AppendRow(table.Row{"Histogram", fmt.Sprintf("%s (prev %s)", formatFloat(ind.Histogram, 4), formatFloat(ind.PrevHistogram, 4))})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"持仓档位", r.Status.OpenPositions})
	t.AppendRow(table.Row{"待挂 / 待撤", fmt.Sprintf("%d / %d", r.Status.PendingLevels, r.Status.PendingCancels)})
	t.AppendRow(table.Row{"累计成交", fmt.Sprintf("%d 笔, %s 张, %s USDT", r.Fills.Count, formatFloat(r.Fills.Quantity, 4), formatFloat(r.Fills.Notional, 2))})
	if a := r.Account; a != nil {
		t.AppendSeparator()
		t.AppendRow(table.Row{"[模拟盘] 现金", formatFloat(a.Cash, 2)})
		t.AppendRow(table.Row{"[模拟盘] 持仓", fmt.Sprintf("%s @ %s", formatFloat(a.Position, 4), formatFloat(a.AvgEntryPrice, 2))})
		t.AppendRow(table.Row{"[模拟盘] 已实现 / 未实现", fmt.Sprintf("%s / %s", formatFloat(a.RealizedPNL, 2), formatFloat(a.UnrealizedPNL, 2))})
		t.AppendRow(table.Row{"[模拟盘] 手续费", formatFloat(a.TotalFees, 4)})
	}
	b.WriteString(t.Render())
	b.WriteString("\n")

	if len(r.Status.Filters) > 0 {
		ft := table.NewWriter()
		ft.SetStyle(table.StyleLight)
		ft.AppendHeader(table.Row{"过滤器", "启用", "说明"})
		for _, f := range r.Status.Filters {
			ft.AppendRow(table.Row{f.Name, f.Enabled, f.Description})
		}
		b.WriteString(ft.Render())
		b.WriteString("\n")
	}

	if len(r.Recent) > 0 {
		rt := table.NewWriter()
		rt.SetStyle(table.StyleLight)
		rt.AppendHeader(table.Row{"成交时间", "订单", "价格", "数量", "止盈"})
		for _, f := range r.Recent {
			rt.AppendRow(table.Row{f.FilledAt.Format("01-02 15:04:05"), f.OrderID, formatFloat(f.Price, 2), formatFloat(f.Quantity, 4), formatFloat(f.TPPrice, 2)})
		}
		b.WriteString(rt.Render())
		b.WriteString("\n")
	}
	return b.String()
}

func stateLabel(st engine.Status) string {
	s := st.State.String()
	if s == "" {
		return "-"
	}
	return s
}

func formatFloat(v float64, places int) string {
	return fmt.Sprintf("%.*f", places, v)
}
