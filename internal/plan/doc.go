// Package plan 实现计划编译器：把一句话的用户意图连同结构化约束与会话记忆，
// 编译为带定价条款的有序步骤计划。编译是纯函数，不访问任何外部资源。
package plan
