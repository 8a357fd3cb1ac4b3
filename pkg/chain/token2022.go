package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Token2022ProgramID is the SPL Token-2022 program.
var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

// Token program instruction discriminators.
const (
	instructionTransferChecked      = 12
	instructionMintToChecked        = 14
	instructionBurnChecked          = 15
	instructionTransferFeeExtension = 26
)

// TransferFeeExtension sub-instructions.
const (
	feeInstructionWithdrawFromMint     = 2
	feeInstructionWithdrawFromAccounts = 3
)

// Token account layout constants. The base account is 165 bytes; Token-2022
// appends an account-type byte and TLV-encoded extensions after it.
const (
	tokenAccountBaseLen     = 165
	tokenAccountTypeAccount = 2
	extensionTLVStart       = tokenAccountBaseLen + 1

	extensionTransferFeeAmount = 2

	mintDecimalsOffset = 44
)

// FindAssociatedTokenAccount derives the associated token account of an owner
// wallet for a Token-2022 mint.
func FindAssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			owner.Bytes(),
			Token2022ProgramID.Bytes(),
			mint.Bytes(),
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account for %s: %w", owner, err)
	}
	return addr, nil
}

// NewCreateAssociatedAccountIdempotentInstruction creates the owner's
// associated token account if it does not exist yet.
func NewCreateAssociatedAccountIdempotentInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(Token2022ProgramID, false, false),
		},
		[]byte{1}, // CreateIdempotent
	)
}

// NewTransferCheckedInstruction moves tokens between token accounts.
func NewTransferCheckedInstruction(source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = instructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(
		Token2022ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(owner, false, true),
		},
		data,
	)
}

// NewMintToCheckedInstruction mints new tokens to a token account.
func NewMintToCheckedInstruction(mint, destination, authority solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = instructionMintToChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(
		Token2022ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		data,
	)
}

// NewBurnCheckedInstruction destroys tokens held in a token account.
func NewBurnCheckedInstruction(account, mint, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = instructionBurnChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(
		Token2022ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(account, true, false),
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(owner, false, true),
		},
		data,
	)
}

// NewWithdrawWithheldFromAccountsInstruction drains withheld fees from source
// token accounts into a destination token account.
func NewWithdrawWithheldFromAccountsInstruction(mint, destination, authority solana.PublicKey, sources []solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(mint, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	for _, src := range sources {
		accounts = append(accounts, solana.NewAccountMeta(src, true, false))
	}
	return solana.NewInstruction(
		Token2022ProgramID,
		accounts,
		[]byte{instructionTransferFeeExtension, feeInstructionWithdrawFromAccounts, byte(len(sources))},
	)
}

// NewWithdrawWithheldFromMintInstruction drains fees accumulated on the mint
// itself into a destination token account.
func NewWithdrawWithheldFromMintInstruction(mint, destination, authority solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		Token2022ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(mint, true, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		[]byte{instructionTransferFeeExtension, feeInstructionWithdrawFromMint},
	)
}

// ParseWithheldAmount extracts the withheld fee balance from raw Token-2022
// account data. Accounts without the transfer-fee extension report 0.
func ParseWithheldAmount(data []byte) (uint64, error) {
	if len(data) < tokenAccountBaseLen {
		return 0, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	if len(data) == tokenAccountBaseLen {
		// Legacy-layout account, no extensions.
		return 0, nil
	}
	if data[tokenAccountBaseLen] != tokenAccountTypeAccount {
		return 0, fmt.Errorf("not a token account: account type %d", data[tokenAccountBaseLen])
	}

	// Extensions are TLV-encoded: u16 type, u16 length, value.
	for offset := extensionTLVStart; offset+4 <= len(data); {
		extType := binary.LittleEndian.Uint16(data[offset : offset+2])
		extLen := int(binary.LittleEndian.Uint16(data[offset+2 : offset+4]))
		valueStart := offset + 4
		if valueStart+extLen > len(data) {
			return 0, fmt.Errorf("truncated extension %d at offset %d", extType, offset)
		}
		if extType == extensionTransferFeeAmount {
			if extLen < 8 {
				return 0, fmt.Errorf("transfer fee extension too short: %d bytes", extLen)
			}
			return binary.LittleEndian.Uint64(data[valueStart : valueStart+8]), nil
		}
		offset = valueStart + extLen
	}
	return 0, nil
}

// ParseTokenAccountOwner extracts the owner wallet from raw token account data.
func ParseTokenAccountOwner(data []byte) (solana.PublicKey, error) {
	if len(data) < tokenAccountBaseLen {
		return solana.PublicKey{}, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	return solana.PublicKeyFromBytes(data[32:64]), nil
}

// ParseMintDecimals extracts the decimals field from raw mint account data.
func ParseMintDecimals(data []byte) (uint8, error) {
	if len(data) <= mintDecimalsOffset {
		return 0, fmt.Errorf("mint account data too short: %d bytes", len(data))
	}
	return data[mintDecimalsOffset], nil
}
