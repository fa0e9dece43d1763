// Package compiler 维护扩展名到 CompileFunc 的映射。
//
// 内置编译器：
//  1. module：JS 模块直通，协商出 systemjs 时包裹 System.register；
//  2. json：运行时缺少 JSON 模块支持时输出 export default；
//  3. copy：未匹配任何扩展名时的兜底，原样返回内容。
//
// 配置中的 [[Compiler]] 通过 Command 调用外部进程，经 stdin/stdout 交换 JSON。
package compiler
