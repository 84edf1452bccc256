package volume

// Storage daemon states/transitions, grounded on storage_vol_info.hpp's
// state-name constants (sClear/sSyncReady/sStopped/sMaster/sSlave and the
// st* temporary states); the table's shape — every temporary state
// sandwiched between exactly one steady "from" and one steady "to" —
// follows proxy_constant.hpp's statePairTbl, the one such table that was
// actually retrieved (storage_constant.hpp, which would hold the literal
// list for this role, was not present in the source tree).
const (
	StorageClear     = "Clear"
	StorageSyncReady = "SyncReady"
	StorageStopped   = "Stopped"
	StorageMaster    = "Master"
	StorageSlave     = "Slave"

	storageInitVol    = "InitVol"
	storageClearVol   = "ClearVol"
	storageStartSlave = "StartSlave"
	storageStopSlave  = "StopSlave"
	storageFullSync   = "FullSync"
	storageHashSync   = "HashSync"
	storageStartMaster = "StartMaster"
	storageStopMaster  = "StopMaster"
	storageReset        = "Reset"
	storageWlogSend     = "WlogSend"
	storageWlogRemove   = "WlogRemove"
)

// StorageStatePairs is the storage role's full transition table.
var StorageStatePairs = []Pair{
	{StorageClear, storageInitVol}, {storageInitVol, StorageSyncReady},
	{StorageSyncReady, storageClearVol}, {storageClearVol, StorageClear},
	{StorageSyncReady, storageFullSync}, {storageFullSync, StorageStopped},
	{StorageSyncReady, storageHashSync}, {storageHashSync, StorageStopped},
	{StorageStopped, storageStartSlave}, {storageStartSlave, StorageSlave},
	{StorageSlave, storageStopSlave}, {storageStopSlave, StorageStopped},
	{StorageSlave, storageWlogSend}, {storageWlogSend, StorageSlave},
	{StorageSlave, storageWlogRemove}, {storageWlogRemove, StorageSlave},
	{StorageStopped, storageStartMaster}, {storageStartMaster, StorageMaster},
	{StorageMaster, storageStopMaster}, {storageStopMaster, StorageStopped},
	{StorageStopped, storageReset}, {storageReset, StorageSyncReady},
}

// Proxy daemon states/transitions, transcribed verbatim from
// proxy_constant.hpp's statePairTbl — the one table retrieved in full.
const (
	ProxyClear   = "Clear"
	ProxyStopped = "Stopped"
	ProxyStarted = "Started"

	proxyStart              = "Start"
	proxyStop               = "Stop"
	proxyClearVol           = "ClearVol"
	proxyAddArchiveInfo     = "AddArchiveInfo"
	proxyDeleteArchiveInfo  = "DeleteArchiveInfo"
	proxyWlogRecv           = "WlogRecv"
	proxyWaitForEmpty       = "WaitForEmpty"
)

var ProxyStatePairs = []Pair{
	{ProxyClear, proxyAddArchiveInfo}, {proxyAddArchiveInfo, ProxyStopped},
	{ProxyStopped, proxyClearVol}, {proxyClearVol, ProxyClear},
	{ProxyStopped, proxyAddArchiveInfo}, {proxyAddArchiveInfo, ProxyStopped},
	{ProxyStopped, proxyDeleteArchiveInfo}, {proxyDeleteArchiveInfo, ProxyStopped},
	{ProxyStopped, proxyDeleteArchiveInfo}, {proxyDeleteArchiveInfo, ProxyClear},
	{ProxyStopped, proxyStart}, {proxyStart, ProxyStarted},
	{ProxyStarted, proxyStop}, {proxyStop, ProxyStopped},
	{ProxyStarted, proxyWlogRecv}, {proxyWlogRecv, ProxyStarted},
	{ProxyStarted, proxyWaitForEmpty}, {proxyWaitForEmpty, ProxyStopped},
}

// PAcceptForWdiffSend lists the proxy states able to accept an inbound
// wdiff send, matching proxy_constant.hpp's pAcceptForWdiffSend.
var PAcceptForWdiffSend = []string{ProxyStarted, proxyWlogRecv, proxyWaitForEmpty}

// AAcceptForWdiffSend lists the archive states able to accept an inbound
// wdiff send: the steady Archived state plus the transitional receive
// state, matching §4.8's "Archived or transitional receive state on
// archive".
var AAcceptForWdiffSend = []string{ArchiveArchived, archiveWdiffRecv}

// Archive daemon states/transitions, grounded on archive_vol_info.hpp's
// state-name constants (aClear/aSyncReady/aArchived/aStopped and the at*
// temporary states) plus the StateMachineTransaction call sites in
// archive.hpp (atReplSync, atResetVol, atResync appear only as call-site
// arguments; their defining archive_constant.hpp was not retrieved, so
// their placement in the table below is inferred from those call sites'
// before/after states, not read from a literal table).
const (
	ArchiveClear     = "Clear"
	ArchiveSyncReady = "SyncReady"
	ArchiveArchived  = "Archived"
	ArchiveStopped   = "Stopped"

	archiveInitVol  = "InitVol"
	archiveClearVol = "ClearVol"
	archiveFullSync = "FullSync"
	archiveHashSync = "HashSync"
	archiveWdiffRecv = "WdiffRecv"
	archiveStop      = "Stop"
	archiveStart     = "Start"
	archiveReplSync  = "ReplSync"
	archiveResetVol  = "ResetVol"
	archiveResync    = "Resync"
)

var ArchiveStatePairs = []Pair{
	{ArchiveClear, archiveInitVol}, {archiveInitVol, ArchiveSyncReady},
	{ArchiveSyncReady, archiveClearVol}, {archiveClearVol, ArchiveClear},
	{ArchiveSyncReady, archiveFullSync}, {archiveFullSync, ArchiveArchived},
	{ArchiveSyncReady, archiveHashSync}, {archiveHashSync, ArchiveArchived},
	{ArchiveArchived, archiveWdiffRecv}, {archiveWdiffRecv, ArchiveArchived},
	{ArchiveArchived, archiveStop}, {archiveStop, ArchiveStopped},
	{ArchiveStopped, archiveStart}, {archiveStart, ArchiveArchived},
	{ArchiveArchived, archiveReplSync}, {archiveReplSync, ArchiveArchived},
	{ArchiveStopped, archiveResetVol}, {archiveResetVol, ArchiveSyncReady},
	{ArchiveSyncReady, archiveResync}, {archiveResync, ArchiveArchived},
}
