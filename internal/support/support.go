// Package support 负责任务失败后的人工接管工单。每个失败任务至多开一张工单，
// 幂等性由调用侧的任务状态保证。
package support

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ConciergeFlow/pkg/logger"
)

// TicketStatus 表示工单状态。
type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketResolved TicketStatus = "resolved"
)

// Ticket 是一张人工接管工单。
type Ticket struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Status    TicketStatus `json:"status"`
	Summary   string       `json:"summary"`
	ETA       string       `json:"eta"`
	CreatedAt int64        `json:"created_at"`
}

// Request 描述开单所需的上下文。
type Request struct {
	TaskID   string
	StepID   string
	Category string
	Reason   string
}

// Issuer 创建人工接管工单。
type Issuer interface {
	CreateTicket(ctx context.Context, req Request) (*Ticket, error)
}

// DeskIssuer 是内置的工单台实现。真实部署里这会对接客服系统，
// 这里直接本地生成工单并记录日志。
type DeskIssuer struct {
	eta time.Duration
}

var _ Issuer = (*DeskIssuer)(nil)

// NewDeskIssuer 构造工单台。eta 是承诺的人工响应时长，非正值取 15 分钟。
func NewDeskIssuer(eta time.Duration) *DeskIssuer {
	if eta <= 0 {
		eta = 15 * time.Minute
	}
	return &DeskIssuer{eta: eta}
}

// CreateTicket 开一张工单。
func (d *DeskIssuer) CreateTicket(ctx context.Context, req Request) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticket := &Ticket{
		ID:        "TCK-" + uuid.NewString(),
		TaskID:    req.TaskID,
		Status:    TicketOpen,
		Summary:   fmt.Sprintf("[%s] 步骤 %s 失败：%s", req.Category, req.StepID, req.Reason),
		ETA:       d.eta.String(),
		CreatedAt: time.Now().UnixMilli(),
	}
	logger.Named("support").Info("人工接管工单已创建",
		"ticket_id", ticket.ID,
		"task_id", req.TaskID,
		"step_id", req.StepID,
		"reason", req.Reason,
	)
	return ticket, nil
}
