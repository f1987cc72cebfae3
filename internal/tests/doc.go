// Package tests 是 purchase-approval 的集成测试模块。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容
//
// 基于 sqlite 内存库和本地锁，覆盖完整的审批场景：
//   - 单人审批 + 自动预算检查
//   - 角色审批，多人全部通过
//   - 驳回取消，退回申请人，退回到指定步骤
//   - 多人审批的通过人数和驳回容忍数
//   - 并发审批同一条记录
//   - 超时提醒，自动通过，自动驳回，升级转交
//   - 审批进度，审批历史，待办列表
//
// 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/purchase-approval/approval ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
