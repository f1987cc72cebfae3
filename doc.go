// Package approval 提供采购申请的多级审批流引擎。
//
// 采购申请按部门, 品类和金额匹配审批流模板, 按步骤依次激活,
// 每个步骤解析出审批人并生成待审批记录, 审批人通过或驳回后推进到下一步,
// 驳回时按步骤配置取消申请, 退回申请人或者退回到更早的步骤重新审批。
//
// 主要特性：
//   - 模板选择：部门+品类 > 品类 > 部门 > 通用，同层按金额范围和优先级
//   - 审批人解析：个人，角色，申请部门负责人，多人会签，自动审批
//   - 数据持久化：基于 GORM，可使用 MySQL、PostgreSQL、SQLite 等数据库
//   - 并发安全：申请级别的本地锁和分布式锁（Redis），版本号乐观锁，冲突自动重试
//   - 超时处理：提醒，自动通过，自动驳回，升级转交给部门负责人
//   - 可观测：zap 日志，prometheus 指标
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/purchase-approval/approval"
//	    "github.com/shopspring/decimal"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("approval.db"), &gorm.Config{})
//	    approval.AutoMigrate(db)
//
//	    // 2. 创建审批服务
//	    repo := approval.NewApprovalRepo(db)
//	    directory := approval.NewGormUserDirectory(db)
//	    service := approval.NewApprovalService(repo, directory, approval.NewLocalRequestLock())
//
//	    // 3. 定义审批流模板
//	    config, _ := approval.LoadFlowConfig([]byte(`{
//	        "name": "office supplies",
//	        "max_amount": "10000",
//	        "steps": [
//	            {"order": 1, "name": "Manager", "kind": "department"},
//	            {"order": 2, "name": "Budget", "kind": "automatic", "automated_action": "budget_check"}
//	        ]
//	    }`))
//	    service.CreateFlow(ctx, config)
//
//	    // 4. 提交申请并审批
//	    request, _ := repo.CreatePurchaseRequest(ctx, &approval.PurchaseRequestPo{
//	        RequestNumber: "PR-1",
//	        RequestedByID: 100,
//	        DepartmentID:  &departmentID,
//	        TotalAmount:   decimal.RequireFromString("1500"),
//	    })
//	    service.InitiateFlow(ctx, request.ID, 100)
//	    report, _ := service.GetStatus(ctx, request.ID)
//	    service.Approve(ctx, &approval.DecisionParams{
//	        RequestID:  request.ID,
//	        StepID:     *report.CurrentStepID,
//	        ApproverID: managerID,
//	    })
//	}
//
// 申请状态流转：
//
//	draft --InitiateFlow--> in_review --所有步骤通过--> approved
//	                        in_review --驳回(cancel)--> rejected
//	                        in_review --驳回(return_to_requester)--> revision_requested
//	                        in_review --驳回(return_to_step)--> revision_requested --目标步骤通过--> in_review
//
// 审批记录：
//
// 步骤每激活一次就是新的一轮(ApprovalOrder = 之前最大轮次+1)，每个审批人一条记录，
// 记录只会从 pending 变成 approved/rejected/superseded，不会删除。
// superseded 表示没有做出决定就被关闭：多人会签达到人数，驳回，超时升级转交。
//
// 更多示例请参考 examples 目录
package approval
