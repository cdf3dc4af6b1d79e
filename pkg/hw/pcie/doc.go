/*
Package pcie PCIe Root Complex 启动与链路训练

一、组成
 1. Topology / RootComplex / Controller
    板级配置构造一次，之后只通过 RootComplex.SetDevMap 修改 Active/MaxWidth，
    外层恢复只改 LinkUp。
 2. Sequencer
    单个控制器的启动状态机:
    Reset -> MemoryReady -> ClockStable -> DbiUnlocked -> Configured -> TrainingStarted
    之后由调用方 WaitLinkUp 得到 LinkUp 或 TimedOut。
 3. Resolver
    devmap 配成 auto 时，以最细分叉探测一次，按下游链路能力决定模式，
    写回拓扑后完整重新启动。每个 RC 只做一次。
 4. Verifier
    LTSSM/block event 判断 L0；两端能力取小和实际协商结果比较；RAS D.E.S. 事件计数。
 5. Recovery
    枚举结束后按周期计数器节奏扫描，最多 3 轮，只重训对端有响应的控制器。

二、硬件访问

	所有访问都经过 Platform:
	   Bus      控制器 CSR、ECAM 配置空间 (base + bus<<20 | dev<<15 | fn<<12)
	   Mailbox  host bridge 寄存器
	   Phy      SerDes 初始化
	   Board    PERST#
	   Clock    忙等延时、周期计数器
	pcie/sim 包提供一个确定性的模拟实现。

三、调试

	寄存器可以按名字读取并解码，名字第一段为地址空间:
	   $ pcietool pcie reg --board board.json --rc 0 --ctrl 0 csr.linkstat
	   csr.linkstat (csr+0x018) = 0x00031100
	   PhyStatus  = 0x0 [bits  2:2]
	   Ltssm      = 0x11 [bits 13:8]
	   ...
*/
package pcie
