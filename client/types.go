package client

import "github.com/kc1awv/rrc-web/rrcerrors"

type Error = rrcerrors.Error

type Stage = rrcerrors.Stage

const (
	StageValidate = rrcerrors.StageValidate
	StagePathWait = rrcerrors.StagePathWait
	StageRecall   = rrcerrors.StageRecall
	StageLink     = rrcerrors.StageLink
	StageIdentify = rrcerrors.StageIdentify
	StageHello    = rrcerrors.StageHello
	StageSend     = rrcerrors.StageSend
	StageResource = rrcerrors.StageResource
	StageClose    = rrcerrors.StageClose
)

type Code = rrcerrors.Code

const (
	CodeMalformed        = rrcerrors.CodeMalformed
	CodeBadVersion       = rrcerrors.CodeBadVersion
	CodeBadField         = rrcerrors.CodeBadField
	CodeInvalidRoom      = rrcerrors.CodeInvalidRoom
	CodeInvalidNick      = rrcerrors.CodeInvalidNick
	CodeInvalidHash      = rrcerrors.CodeInvalidHash
	CodeNotConnected     = rrcerrors.CodeNotConnected
	CodeAlreadyConnected = rrcerrors.CodeAlreadyConnected
	CodeHashMismatch     = rrcerrors.CodeHashMismatch
	CodeTimeout          = rrcerrors.CodeTimeout
	CodeCanceled         = rrcerrors.CodeCanceled
	CodeMsgTooLarge      = rrcerrors.CodeMsgTooLarge
	CodeSHA256Mismatch   = rrcerrors.CodeSHA256Mismatch
	CodeUnicodeDecode    = rrcerrors.CodeUnicodeDecode
	CodeTransport        = rrcerrors.CodeTransport
)

func wrapErr(stage Stage, code Code, err error) error {
	return rrcerrors.Wrap(stage, code, err)
}
