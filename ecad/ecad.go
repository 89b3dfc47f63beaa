// Package ecad holds the EtherCAT slave controller register map.
package ecad

const (
	Type                  = 0x0000
	Revision              = 0x0001
	Build                 = 0x0002
	FMMUsSupported        = 0x0004
	SyncManagersSupported = 0x0005
	RAMSize               = 0x0006
	PortDescriptor        = 0x0007
	ESCFeaturesSupported  = 0x0008

	ConfiguredStationAddress = 0x0010
	ConfiguredStationAlias   = 0x0012

	DLControl = 0x0100
	DLStatus  = 0x0110

	ALControl    = 0x0120
	ALStatus     = 0x0130
	ALStatusCode = 0x0134
	PDIControl   = 0x0140

	ECATEventMask = 0x0200

	ESIEEPROMInterface   = 0x0500
	EEPROMConfiguration  = 0x0500
	EEPROMPDIAccessState = 0x0501
	EEPROMControlStatus  = 0x0502
	EEPROMAddress        = 0x0504
	EEPROMData           = 0x0508

	FMMUBase = 0x0600

	SyncMangerBase                 = 0x0800
	SyncManagerChannelLen          = 0x08
	SyncManagerPhysStartAddrOffset = 0x00
	SyncManagerLengthOffset        = 0x02
	SyncManagerControlOffset       = 0x04
	SyncManagerStatusOffset        = 0x05
	SyncManagerActivateOffset      = 0x06
	SyncManagerPDIControlOffset    = 0x07
)

// SyncManager returns the base register of sync manager channel n.
func SyncManager(n uint8) uint16 {
	return SyncMangerBase + uint16(n)*SyncManagerChannelLen
}

// AL control / status bits.
const (
	ALStateMask = 0x0f
	ALErrorFlag = 0x10 // error indicator in status, acknowledge in control
	ALIDRequest = 0x20
)

// Sync manager control and status bits.
const (
	SMControlModeMailbox    = 0x02
	SMControlDirectionRead  = 0x00 // ECAT reads, PDI writes
	SMControlDirectionWrite = 0x04 // ECAT writes, PDI reads
	SMControlECATInterrupt  = 0x10
	SMControlPDIInterrupt   = 0x20
	SMControlWatchdog       = 0x40

	SMStatusMailboxFull = 0x08

	SMActivateEnable = 0x01

	// MailboxWriteControl (0x26) is the control byte of the master to
	// slave mailbox, MailboxReadControl (0x22) of the slave to master one.
	MailboxWriteControl = SMControlModeMailbox | SMControlDirectionWrite | SMControlPDIInterrupt
	MailboxReadControl  = SMControlModeMailbox | SMControlDirectionRead | SMControlPDIInterrupt
)

// EEPROM control/status word bits.
const (
	EEPROMCmdRead     = 0x0100
	EEPROMCmdWrite    = 0x0201
	EEPROMCmdReload   = 0x0400
	EEPROMRead8Bytes  = 0x0040
	EEPROMChecksumErr = 0x0800
	EEPROMNotLoaded   = 0x1000
	EEPROMMissingAck  = 0x2000
	EEPROMWriteEnErr  = 0x4000
	EEPROMBusy        = 0x8000
	EEPROMErrorMask   = EEPROMMissingAck | EEPROMWriteEnErr
)
